package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/metrics"
)

// Every host ABI function follows one calling convention: guest input is a
// (ptr, len) pair into guest linear memory holding a JSON value (or raw
// bytes for binary ABI like websocket frames); the result is a single
// packed i64 combining a guest-allocated (ptr, len) pair, or 0 to signal
// "null" to the guest. The guest must export "alloc(size int32) (ptr int32)"
// so the host can place its response in memory the guest owns.

func packPtrLen(ptr, ln uint32) uint64 {
	return uint64(ptr)<<32 | uint64(ln)
}

// readMemory copies len bytes at ptr out of the module's linear memory.
func readMemory(mod api.Module, ptr, ln uint32) ([]byte, error) {
	if ln == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, ln)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: ptr=%d len=%d", ptr, ln)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// readJSONArg reads a (ptr,len) JSON argument from guest memory and decodes
// it into v. A zero-length argument leaves v untouched.
func readJSONArg(mod api.Module, ptr, ln uint32, v any) error {
	if ln == 0 {
		return nil
	}
	raw, err := readMemory(mod, ptr, ln)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// writeResult allocates space in guest memory via its exported "alloc" and
// copies data into it, returning the packed (ptr,len) the guest unpacks.
// Guests that never call a host function needing a return value are not
// required to export alloc.
func writeResult(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call guest alloc: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write out of bounds: ptr=%d len=%d", ptr, len(data))
	}
	return packPtrLen(ptr, uint32(len(data))), nil
}

// writeJSONResult marshals v and writes it via writeResult. A nil v (or a
// marshal producing the literal "null") yields the null-to-guest result 0,
// matching the spec's "capability denial / malformed input never traps,
// guest sees null" rule.
func writeJSONResult(ctx context.Context, mod api.Module, v any) uint64 {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return 0
	}
	packed, err := writeResult(ctx, mod, data)
	if err != nil {
		return 0
	}
	return packed
}

// chargeFuel is called at the top of every host ABI function, gated or not.
// It reports whether the call may proceed; false means the run is already
// aborting on a ResourceLimit and the caller must return null immediately.
func chargeFuel(s *hostState) bool {
	if s == nil {
		return false
	}
	return s.consumeFuel(hostFuelCostPerCall)
}

// requireCapability is called by every gated host function after chargeFuel
// succeeds. A denial is not fatal to the run — it increments the
// capability-denial counter and tells the caller to return null/false/zero
// to the guest, per the spec's "denial never traps" rule.
func requireCapability(s *hostState, c domain.Capability) bool {
	if s == nil {
		return false
	}
	if s.security.Capabilities.Has(c) {
		return true
	}
	metrics.Global().RecordCapabilityDenial()
	return false
}
