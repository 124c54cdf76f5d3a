package pluginhost

import (
	"testing"

	"github.com/flow-like/substrate/internal/domain"
)

func TestHostAllowed_EmptyAllowlistPermitsAll(t *testing.T) {
	if !hostAllowed(nil, "https://anything.example/path") {
		t.Fatal("expected empty allowlist to permit any host")
	}
}

func TestHostAllowed_MatchesConfiguredHost(t *testing.T) {
	allowed := []string{"api.example.com"}
	if !hostAllowed(allowed, "https://api.example.com/v1/things") {
		t.Fatal("expected matching host to be allowed")
	}
	if hostAllowed(allowed, "https://evil.example/v1/things") {
		t.Fatal("expected non-matching host to be denied")
	}
}

func TestIsReadMethod(t *testing.T) {
	reads := []string{"GET", "HEAD", "OPTIONS"}
	for _, m := range reads {
		if !isReadMethod(m) {
			t.Fatalf("expected %s to be a read method", m)
		}
	}
	writes := []string{"POST", "PUT", "DELETE", "PATCH"}
	for _, m := range writes {
		if isReadMethod(m) {
			t.Fatalf("expected %s not to be a read method", m)
		}
	}
}

// TestHTTPCapabilityGate_NoGetNoWrite_DeniesRequest pins scenario E4: an
// instance granted neither CapHTTPGet nor CapHTTPWrite must never reach the
// outbound call, regardless of method.
func TestHTTPCapabilityGate_NoGetNoWrite_DeniesRequest(t *testing.T) {
	s := newTestState(domain.CapNone, 10)

	for _, method := range httpMethods {
		required := domain.CapHTTPWrite
		if isReadMethod(method) {
			required = domain.CapHTTPGet
		}
		if requireCapability(s, required) {
			t.Fatalf("expected method %s to be denied with no http capabilities granted", method)
		}
	}
}

func TestBoolToU32(t *testing.T) {
	if boolToU32(true) != 1 {
		t.Fatal("expected boolToU32(true) == 1")
	}
	if boolToU32(false) != 0 {
		t.Fatal("expected boolToU32(false) == 0")
	}
}

func TestMaxStorageWriteBytes_GuardRejectsOversizedPayload(t *testing.T) {
	oversized := make([]byte, maxStorageWriteBytes+1)
	if len(oversized) <= maxStorageWriteBytes {
		t.Fatal("test payload must exceed the write guard")
	}
	// write_file's own guard is `len(args.Data) > maxStorageWriteBytes`; pin
	// the constant's 16 MiB value here so it can't silently drift without a
	// test noticing.
	if maxStorageWriteBytes != 16*1024*1024 {
		t.Fatalf("expected maxStorageWriteBytes to be 16 MiB, got %d", maxStorageWriteBytes)
	}
	if !(len(oversized) > maxStorageWriteBytes) {
		t.Fatal("expected oversized payload to trip the storage write guard")
	}
}
