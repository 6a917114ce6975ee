// Package serial owns exclusive, typed access to a single native serial
// endpoint and tracks which endpoints are present on the system.
package serial

import (
	"strconv"
	"time"

	"upload-engine/errcode"
)

// PortHandle is an opaque reference to a native serial endpoint. At most
// one open Transport exists per (VID, PID, Path) triple process-wide; the
// Registry is the sole issuer of handles.
type PortHandle struct {
	Path string
	VID  uint16
	PID  uint16
}

func (h PortHandle) key() string {
	return strconv.FormatUint(uint64(h.VID), 16) + ":" + strconv.FormatUint(uint64(h.PID), 16) + ":" + h.Path
}

// Transport is exclusive, typed access to a single serial endpoint. All
// operations are synchronous from the caller's perspective; a Transport
// implementation is free to use non-blocking I/O with deadlines
// internally.
type Transport interface {
	// Open fails with PortBusy, PortDenied or PortVanished. On success
	// the port is readable and writable with DTR and RTS asserted.
	Open(baud uint32, handle PortHandle) error

	// Close is idempotent; it lowers DTR and RTS where supported before
	// releasing the port.
	Close() error

	// ReopenAt closes, waits at least 100ms for the USB-CDC bridge to
	// notice, reopens at baud, and re-asserts DTR+RTS. Some bridges only
	// emit a new SET_LINE_CODING on a fresh open.
	ReopenAt(baud uint32) error

	// Touch1200 opens at 1200 baud with DTR low, held for at least
	// 500ms, then closes — the native-USB bootloader-entry convention.
	Touch1200() error

	SetLines(dtr, rts bool) error

	// Read returns whatever arrived, or Timeout; it never returns
	// success with zero bytes.
	Read(timeout time.Duration) ([]byte, error)

	// ReadExact accumulates until n bytes have arrived or timeout
	// elapses.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	// Write has a per-call timeout of at least 5s.
	Write(data []byte) error
}

const (
	reopenSettleDelay = 100 * time.Millisecond
	touch1200Hold     = 500 * time.Millisecond
	minWriteTimeout   = 5 * time.Second
)

// ReadExactGeneric implements the ReadExact contract on top of a
// Transport's Read, for transports that cannot do better natively. It
// shares a single deadline across every Read call.
func ReadExactGeneric(t Transport, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errcode.New("read_exact", errcode.ReadTimeout, "deadline exceeded", nil)
		}
		chunk, err := t.Read(remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
