package pluginhost

import (
	"encoding/json"
	"testing"

	"github.com/flow-like/substrate/internal/domain"
)

func newTestState(caps domain.Capability, fuel uint64) *hostState {
	return &hostState{
		security:  domain.SecurityConfig{Capabilities: caps},
		appID:     "app-1",
		nodeID:    "node-1",
		userID:    "user-1",
		variables: make(map[string]json.RawMessage),
		fuelRemaining: fuel,
	}
}

func TestConsumeFuel_DecrementsAndExhausts(t *testing.T) {
	s := newTestState(domain.CapNone, 3)

	if !s.consumeFuel(1) || s.fuelRemaining != 2 {
		t.Fatalf("expected fuel to drop to 2, got %d", s.fuelRemaining)
	}
	if !s.consumeFuel(2) || s.fuelRemaining != 0 {
		t.Fatalf("expected fuel to drop to 0, got %d", s.fuelRemaining)
	}
	if s.consumeFuel(1) {
		t.Fatal("expected consumeFuel to fail once exhausted")
	}
	if err := s.fatalErr(); !IsResourceLimit(err) {
		t.Fatalf("expected a latched ResourceLimit error, got %v", err)
	}
}

func TestConsumeFuel_LatchesOnlyFirstError(t *testing.T) {
	s := newTestState(domain.CapNone, 0)
	s.consumeFuel(1)
	first := s.fatalErr()
	s.consumeFuel(1)
	if s.fatalErr() != first {
		t.Fatal("expected the first fatal error to be latched, not overwritten")
	}
}

func TestChargeFuel_NilStateDeniesCall(t *testing.T) {
	if chargeFuel(nil) {
		t.Fatal("expected chargeFuel(nil) to report failure")
	}
}

func TestRequireCapability_GrantedAndDenied(t *testing.T) {
	granted := newTestState(domain.CapVariablesWrite, 10)
	if !requireCapability(granted, domain.CapVariablesWrite) {
		t.Fatal("expected capability to be granted")
	}

	denied := newTestState(domain.CapVariablesRead, 10)
	if requireCapability(denied, domain.CapVariablesWrite) {
		t.Fatal("expected capability to be denied")
	}
}

// TestCapabilityDenial_NeverMutatesHostState mirrors set_var's own guard
// (chargeFuel then requireCapability before touching s.variables) to pin the
// invariant that a denied call leaves host state untouched.
func TestCapabilityDenial_NeverMutatesHostState(t *testing.T) {
	s := newTestState(domain.CapVariablesRead, 10) // no write capability
	s.variables["existing"] = json.RawMessage(`"untouched"`)

	setVar := func(name string, value json.RawMessage) {
		if !chargeFuel(s) || !requireCapability(s, domain.CapVariablesWrite) {
			return
		}
		s.variables[name] = value
	}

	setVar("new", json.RawMessage(`"should not appear"`))

	if _, ok := s.variables["new"]; ok {
		t.Fatal("denied set_var call must not mutate host state")
	}
	if string(s.variables["existing"]) != `"untouched"` {
		t.Fatal("denied set_var call must not disturb existing state either")
	}
}

func TestRequireCapability_NilStateDeniesCall(t *testing.T) {
	if requireCapability(nil, domain.CapHTTPGet) {
		t.Fatal("expected requireCapability(nil, ...) to report failure")
	}
}

func TestScopedPath_ComposesNodeAndUserSegments(t *testing.T) {
	s := newTestState(domain.CapNone, 10)

	if got, want := scopedPath(s, "storage", false, false), "apps/app-1/storage"; got != want {
		t.Fatalf("scopedPath() = %q, want %q", got, want)
	}
	if got, want := scopedPath(s, "cache", true, true), "apps/app-1/cache/users/user-1/nodes/node-1"; got != want {
		t.Fatalf("scopedPath() = %q, want %q", got, want)
	}
}
