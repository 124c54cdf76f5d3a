package domain

import "time"

// Capability is a single bit in a plugin instance's capability grant. The
// host checks capabilities at the ABI boundary; a denied call never traps
// the instance, it returns a null/false/zero-value result to the guest.
//
// This is the complete, enumerated set — no other capability exists.
type Capability uint32

const (
	CapNone Capability = 0

	CapVariablesRead Capability = 1 << iota
	CapVariablesWrite
	CapCacheRead
	CapCacheWrite
	CapStorageRead
	CapStorageWrite
	CapModels
	CapOAuthAccess
	CapHTTPGet
	CapHTTPWrite
	CapWebsocket
	CapNetworkAll
)

// Has reports whether the mask grants the given capability.
func (m Capability) Has(c Capability) bool {
	return m&c != 0
}

// SecurityConfig is the sole authority over what a plugin instance may do.
// It is immutable once an instance is instantiated from it.
type SecurityConfig struct {
	Capabilities      Capability    `json:"capabilities"`
	AllowWASINetwork  bool          `json:"allow_wasi_network"`
	AllowedHosts      []string      `json:"allowed_hosts,omitempty"`
	MemoryPages        uint32        `json:"memory_pages"` // wazero memory ceiling, 64KiB pages
	FuelLimit          uint64        `json:"fuel_limit"`   // approximated at host-call boundary
	ExecutionDeadline  time.Duration `json:"execution_deadline"`
	MaxHTTPEgressBytes int64         `json:"max_http_egress_bytes"` // response body cap for the http ABI
}

// DefaultMemoryPages is the ceiling applied when a SecurityConfig does not
// specify one: 128MiB / 64KiB per page.
const DefaultMemoryPages uint32 = (128 * 1024 * 1024) / (64 * 1024)

// DefaultFuelLimit bounds CPU consumption when a SecurityConfig does not
// specify one.
const DefaultFuelLimit uint64 = 1_000_000_000

// DefaultExecutionDeadline bounds a single plugin invocation when the
// caller does not supply one.
const DefaultExecutionDeadline = 30 * time.Second

// DefaultMaxHTTPEgressBytes bounds a single http ABI response body when a
// SecurityConfig does not specify one.
const DefaultMaxHTTPEgressBytes int64 = 10 * 1024 * 1024

// WithDefaults returns a copy of cfg with zero-valued resource limits filled
// in from the package defaults. Capabilities and host allowlists are left
// untouched — omitting them means "deny", not "default".
func (cfg SecurityConfig) WithDefaults() SecurityConfig {
	if cfg.MemoryPages == 0 {
		cfg.MemoryPages = DefaultMemoryPages
	}
	if cfg.FuelLimit == 0 {
		cfg.FuelLimit = DefaultFuelLimit
	}
	if cfg.ExecutionDeadline == 0 {
		cfg.ExecutionDeadline = DefaultExecutionDeadline
	}
	if cfg.MaxHTTPEgressBytes == 0 {
		cfg.MaxHTTPEgressBytes = DefaultMaxHTTPEgressBytes
	}
	return cfg
}
