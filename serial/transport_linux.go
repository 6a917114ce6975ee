//go:build linux

package serial

import (
	"errors"
	"sync"
	"syscall"
	"time"

	goserial "github.com/daedaluz/goserial"

	"upload-engine/errcode"
)

// LinuxTransport is the Transport backing a real tty device on Linux. It
// drives termios/ioctl directly through goserial rather than a generic
// cross-platform library, since the upload engine depends on exact
// control-line timing (DTR/RTS pulses) and custom baud rates (BOTHER) that
// most portable serial libraries paper over.
type LinuxTransport struct {
	mu     sync.Mutex
	port   *goserial.Port
	handle PortHandle
	baud   uint32
}

func NewLinuxTransport() *LinuxTransport { return &LinuxTransport{} }

func (t *LinuxTransport) Open(baud uint32, handle PortHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return errcode.New("open", errcode.PortBusy, "transport already holds a port", nil)
	}

	opts := goserial.NewOptions().SetReadTimeout(0)
	p, err := goserial.Open(handle.Path, opts)
	if err != nil {
		return mapOpenErr("open", err)
	}
	if err := configureBaudAndLines(p, baud, true, true); err != nil {
		_ = p.Close()
		return err
	}
	t.port = p
	t.handle = handle
	t.baud = baud
	return nil
}

func (t *LinuxTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	_ = t.port.SetModemLines(0)
	err := t.port.Close()
	t.port = nil
	if err != nil && !errors.Is(err, goserial.ErrClosed) {
		return errcode.New("close", errcode.Error, "close failed", err)
	}
	return nil
}

func (t *LinuxTransport) ReopenAt(baud uint32) error {
	handle := t.handle
	if err := t.Close(); err != nil {
		return err
	}
	time.Sleep(reopenSettleDelay)
	return t.Open(baud, handle)
}

func (t *LinuxTransport) Touch1200() error {
	handle := t.handle
	if err := t.Close(); err != nil {
		return err
	}
	if err := t.Open(1200, handle); err != nil {
		return err
	}
	if err := t.SetLines(false, true); err != nil {
		_ = t.Close()
		return err
	}
	time.Sleep(touch1200Hold)
	return t.Close()
}

func (t *LinuxTransport) SetLines(dtr, rts bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return errcode.New("set_lines", errcode.PortVanished, "port not open", nil)
	}
	var line goserial.ModemLine
	if dtr {
		line |= goserial.TIOCM_DTR
	}
	if rts {
		line |= goserial.TIOCM_RTS
	}
	if err := t.port.SetModemLines(line); err != nil {
		return mapIOErr("set_lines", err)
	}
	return nil
}

func (t *LinuxTransport) Read(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	p := t.port
	t.mu.Unlock()
	if p == nil {
		return nil, errcode.New("read", errcode.PortVanished, "port not open", nil)
	}
	buf := make([]byte, 4096)
	n, err := p.ReadTimeout(buf, timeout)
	if err != nil {
		if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EAGAIN) {
			return nil, errcode.New("read", errcode.ReadTimeout, "no data before deadline", nil)
		}
		return nil, mapIOErr("read", err)
	}
	if n == 0 {
		return nil, errcode.New("read", errcode.ReadTimeout, "zero bytes", nil)
	}
	return buf[:n], nil
}

func (t *LinuxTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	return ReadExactGeneric(t, n, timeout)
}

// Write enforces the Transport contract's floor of minWriteTimeout: the
// write syscall runs on its own goroutine so a wedged line (hardware flow
// control asserted, far end not draining) can't hang the caller forever.
// The syscall itself is not cancellable once started, so a timed-out
// write still completes in the background; its result is simply dropped.
func (t *LinuxTransport) Write(data []byte) error {
	t.mu.Lock()
	p := t.port
	t.mu.Unlock()
	if p == nil {
		return errcode.New("write", errcode.PortVanished, "port not open", nil)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := p.Write(data)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return mapIOErr("write", r.err)
		}
		if r.n != len(data) {
			return errcode.New("write", errcode.WriteFailed, "short write", nil)
		}
		return nil
	case <-time.After(minWriteTimeout):
		return errcode.New("write", errcode.WriteFailed, "write did not complete within timeout", nil)
	}
}

// configureBaudAndLines puts the port into raw mode at the requested baud
// (using Termios2/BOTHER so non-standard rates like 234 are representable,
// though every rate this engine uses — 1200, 57600, 115200, 230400 — also
// has a POSIX constant), then asserts DTR/RTS as requested.
func configureBaudAndLines(p *goserial.Port, baud uint32, dtr, rts bool) error {
	attrs, err := p.GetAttr2()
	if err != nil {
		return mapIOErr("configure", err)
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(baud)
	if err := p.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		return mapIOErr("configure", err)
	}

	var line goserial.ModemLine
	if dtr {
		line |= goserial.TIOCM_DTR
	}
	if rts {
		line |= goserial.TIOCM_RTS
	}
	if err := p.SetModemLines(line); err != nil {
		return mapIOErr("configure", err)
	}
	return nil
}

func mapOpenErr(op string, err error) error {
	switch {
	case errors.Is(err, syscall.EBUSY):
		return errcode.New(op, errcode.PortBusy, "port in use", err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return errcode.New(op, errcode.PortDenied, "permission denied", err)
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENXIO):
		return errcode.New(op, errcode.PortNotFound, "device not present", err)
	default:
		return errcode.New(op, errcode.Error, "open failed", err)
	}
}

func mapIOErr(op string, err error) error {
	if errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.EIO) {
		return errcode.New(op, errcode.PortVanished, "device vanished", err)
	}
	return errcode.New(op, errcode.Error, "io failed", err)
}
