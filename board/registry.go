package board

import (
	"fmt"
	"sync"
)

// Registry resolves an FQBN to its Profile. Registration panics on
// duplicate FQBNs, matching the fail-fast-at-startup discipline used
// throughout this codebase for other static registries: a collision is a
// programming mistake, not a runtime condition to recover from.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: map[string]*Profile{}}
}

// Register installs a profile for an FQBN. The FQBN is only ever used as
// a lookup key; strategy dispatch is keyed by the profile's StrategyTag,
// not by the FQBN string.
func (r *Registry) Register(fqbn string, p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fqbn == "" {
		panic("board: empty fqbn")
	}
	if err := p.Valid(); err != nil {
		panic(fmt.Sprintf("board: invalid profile for %q: %v", fqbn, err))
	}
	if _, exists := r.profiles[fqbn]; exists {
		panic(fmt.Sprintf("board: profile already registered for fqbn %q", fqbn))
	}
	r.profiles[fqbn] = p
}

// Lookup is a pure function from FQBN to Profile; it performs no I/O and
// returns the same answer for the same input for the lifetime of the
// registry.
func (r *Registry) Lookup(fqbn string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[fqbn]
	return p, ok
}

// NewDefaultRegistry returns a Registry seeded with the board families
// this engine has a strategy for: classic AVR Uno/Nano (STK500v1), Mega
// (STK500v2), Uno R4 WiFi (BOSSA/SAM-BA), and an RP2040-class board
// (UF2-Download).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("arduino:avr:uno", &Profile{
		Family:             "avr-uno",
		StrategyTag:         "avr-stk500v1",
		ProgramBaud:         115200,
		MonitorDefaultBaud:  9600,
		ResetMethod:         ResetDTRPulse,
		AppVIDPIDs:          []VIDPID{{VID: 0x2341, PID: 0x0043}, {VID: 0x2A03, PID: 0x0043}},
		FlashPageSize:       128,
		FlashTotal:          32768,
		FlashBase:           0,
		VerifyPolicy:        VerifyNone,
		PostUploadReset:     false,
	})

	r.Register("arduino:avr:nano", &Profile{
		Family:             "avr-nano",
		StrategyTag:         "avr-stk500v1",
		ProgramBaud:         57600,
		MonitorDefaultBaud:  9600,
		ResetMethod:         ResetDTRPulse,
		AppVIDPIDs:          []VIDPID{{VID: 0x0403, PID: 0x6001}},
		FlashPageSize:       128,
		FlashTotal:          30720,
		VerifyPolicy:        VerifyReadbackCompare,
	})

	r.Register("arduino:avr:mega", &Profile{
		Family:             "avr-mega",
		StrategyTag:         "avr-stk500v2",
		ProgramBaud:         115200,
		MonitorDefaultBaud:  9600,
		ResetMethod:         ResetDTRPulse,
		AppVIDPIDs:          []VIDPID{{VID: 0x2341, PID: 0x0010}, {VID: 0x2341, PID: 0x0042}},
		FlashPageSize:       256,
		FlashTotal:          262144,
		VerifyPolicy:        VerifyReadbackCompare,
	})

	r.Register("arduino:renesas_uno:unor4wifi", &Profile{
		Family:              "uno-r4-wifi",
		StrategyTag:         "bossa-samba",
		ProgramBaud:         230400,
		MonitorDefaultBaud:  115200,
		ResetMethod:         ResetTouch1200,
		AppVIDPIDs:          []VIDPID{{VID: 0x2341, PID: 0x1002}},
		BootloaderVIDPIDs:   []VIDPID{{VID: 0x2341, PID: 0x0069}, {VID: 0x2341, PID: 0x006D}},
		FlashPageSize:       256,
		FlashTotal:          262144,
		FlashBase:           0x00000000,
		VerifyPolicy:        VerifyCRCAfterWrite,
		PostUploadReset:     true,
	})

	r.Register("rp2040:rp2040:rpipico", &Profile{
		Family:             "rp2040-pico",
		StrategyTag:         "uf2-download",
		ProgramBaud:         0,
		MonitorDefaultBaud:  115200,
		ResetMethod:         ResetNone,
		FlashPageSize:       256,
		FlashTotal:          2097152,
		VerifyPolicy:        VerifyNone,
	})

	return r
}
