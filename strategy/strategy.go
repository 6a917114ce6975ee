// Package strategy implements the closed sum type of bootloader protocols
// the upload engine drives: AVR-STK500v1, AVR-STK500v2, BOSSA-SAMBA, and
// UF2-Download. Dispatch is a pure function of the board profile's
// strategy tag, never of the FQBN string itself.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"upload-engine/board"
	"upload-engine/errcode"
	"upload-engine/firmware"
	"upload-engine/serial"
)

// Phase names a point in a strategy's run, reported through Progress so a
// caller can render upload state without depending on protocol internals.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseResetting          Phase = "resetting"
	PhaseAwaitingPort       Phase = "awaiting_port"
	PhaseHandshaking        Phase = "handshaking"
	PhaseSyncing            Phase = "syncing"
	PhaseProgrammingPages   Phase = "programming_pages"
	PhaseVerifying          Phase = "verifying"
	PhaseLeavingProgramMode Phase = "leaving_program_mode"
	PhaseDone               Phase = "done"
)

// Progress is emitted after meaningful protocol steps; it is the only
// externally visible event besides the final Result.
type Progress struct {
	Phase        Phase
	BytesWritten int
	TotalBytes   int
	PagesWritten int
	TotalPages   int
	Message      string
}

// Result is what a strategy hands back to the orchestrator on success.
type Result struct {
	BytesWritten      int
	PagesWritten      int
	BootloaderVersion string
	FinalPort         serial.PortHandle
}

// AwaitPortFunc blocks until a port matching one of vidpids appears (or
// the registry already lists one), for up to timeout. It returns
// BootloaderPortNeeded if zero or more than one candidate is found —
// ambiguity is surfaced to the caller rather than guessed at.
type AwaitPortFunc func(ctx context.Context, vidpids []board.VIDPID, timeout time.Duration) (serial.PortHandle, error)

// OpenPortFunc opens a fresh Transport bound to handle at baud. Strategies
// that swap ports (BOSSA) call this once they know the new handle;
// strategies that stay on one port (AVR) call it once up front.
type OpenPortFunc func(handle serial.PortHandle, baud uint32) (serial.Transport, error)

// Env is the environment a Strategy runs in. It does not expose the
// orchestrator or monitor coupler directly — a strategy only ever sees
// the primitives it needs.
type Env struct {
	CurrentPort serial.PortHandle
	OpenPort    OpenPortFunc
	AwaitPort   AwaitPortFunc
	Profile     *board.Profile
	Image       *firmware.Image
	Progress    func(Progress)
	Logger      *slog.Logger
}

func (e *Env) emit(p Progress) {
	if e.Progress != nil {
		e.Progress(p)
	}
}

func (e *Env) logf(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger.Info(fmt.Sprintf(msg, args...))
	}
}

// Strategy is the contract every bootloader protocol implements. Run
// drives reset, handshake, program, and verify end to end; the
// orchestrator never reaches into a strategy's protocol state. A
// strategy recovers internally only from its own documented transient
// conditions (bounded sync retries, bounded reopen cycles) — every
// other failure unwinds immediately.
//
// Run's Result is always populated, even when it returns an error: on a
// mid-program failure or cancellation, Result carries whatever bytes and
// pages were actually written before the failure, so the caller's final
// report reflects reality rather than a blank slate.
type Strategy interface {
	Tag() string
	Run(ctx context.Context, env *Env) (*Result, error)

	// TouchesSerialPort reports whether Run opens a serial transport at
	// all. UF2-Download never does (it hands the image to a mass-storage
	// bootloader outside this engine's process), so the orchestrator
	// knows not to pause/release/resume a serial monitor around it.
	TouchesSerialPort() bool
}

// checkCancelled returns errcode.Cancelled if ctx has been cancelled, nil
// otherwise. Strategies call this between pages (or chunks), before each
// sync or handshake attempt, and before waiting for a bootloader port.
// The individual reads and writes inside one step are not preceded by a
// check.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errcode.New("cancel_check", errcode.Cancelled, "context cancelled", ctx.Err())
	default:
		return nil
	}
}

// Factory constructs a fresh Strategy instance. Strategies are stateful
// across a single run (retry counters, applet state) so a new instance is
// built per upload rather than shared.
type Factory func() Strategy

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register installs a strategy factory under tag. It panics on duplicate
// registration, the same fail-fast discipline used for board profiles and
// device builders elsewhere in this codebase.
func Register(tag string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if tag == "" {
		panic("strategy: empty tag")
	}
	if _, exists := registry[tag]; exists {
		panic(fmt.Sprintf("strategy: factory already registered for tag %q", tag))
	}
	registry[tag] = f
}

// Select is the pure dispatch function: profile.StrategyTag is the only
// key, never the FQBN.
func Select(tag string) (Strategy, error) {
	mu.RLock()
	f, ok := registry[tag]
	mu.RUnlock()
	if !ok {
		return nil, errcode.New("select_strategy", errcode.UnsupportedStrategy, fmt.Sprintf("no strategy registered for tag %q", tag), nil)
	}
	return f(), nil
}
