// Package serialtest provides a scripted, in-memory Transport so strategy
// and orchestrator tests can drive a simulated bootloader without a real
// serial port.
package serialtest

import (
	"sync"
	"time"

	"upload-engine/errcode"
	"upload-engine/serial"
)

// FakeTransport implements serial.Transport over two in-memory pipes: one
// carrying bytes from the caller to the simulator, one carrying the
// simulator's replies back. A test spawns a goroutine that reads from
// SimRead and writes scripted responses with SimWrite, playing the role of
// firmware.
type FakeTransport struct {
	mu      sync.Mutex
	open    bool
	vanish  bool
	baud    uint32
	dtr     bool
	rts     bool
	handle  serial.PortHandle
	toSim   chan []byte
	fromSim chan []byte

	OpenCount    int
	ReopenBauds  []uint32
	Touch1200Hit bool
	BaudHistory  []uint32
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		toSim:   make(chan []byte, 256),
		fromSim: make(chan []byte, 256),
	}
}

// Vanish makes every subsequent operation fail with PortVanished, modeling
// an unplugged device.
func (f *FakeTransport) Vanish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vanish = true
}

func (f *FakeTransport) Open(baud uint32, handle serial.PortHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vanish {
		return errcode.New("open", errcode.PortVanished, "simulated disconnect", nil)
	}
	f.open = true
	f.baud = baud
	f.dtr = true
	f.rts = true
	f.handle = handle
	f.OpenCount++
	f.BaudHistory = append(f.BaudHistory, baud)
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.dtr = false
	f.rts = false
	return nil
}

func (f *FakeTransport) ReopenAt(baud uint32) error {
	f.mu.Lock()
	f.ReopenBauds = append(f.ReopenBauds, baud)
	handle := f.handle
	f.mu.Unlock()
	if err := f.Close(); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return f.Open(baud, handle)
}

func (f *FakeTransport) Touch1200() error {
	f.mu.Lock()
	f.Touch1200Hit = true
	handle := f.handle
	f.mu.Unlock()
	if err := f.Open(1200, handle); err != nil {
		return err
	}
	_ = f.SetLines(false, true)
	return f.Close()
}

func (f *FakeTransport) SetLines(dtr, rts bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vanish {
		return errcode.New("set_lines", errcode.PortVanished, "simulated disconnect", nil)
	}
	f.dtr, f.rts = dtr, rts
	return nil
}

func (f *FakeTransport) Lines() (dtr, rts bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dtr, f.rts
}

func (f *FakeTransport) Baud() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baud
}

func (f *FakeTransport) Write(data []byte) error {
	f.mu.Lock()
	vanished := f.vanish
	f.mu.Unlock()
	if vanished {
		return errcode.New("write", errcode.PortVanished, "simulated disconnect", nil)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case f.toSim <- buf:
		return nil
	default:
		return errcode.New("write", errcode.WriteFailed, "simulator backlog full", nil)
	}
}

func (f *FakeTransport) Read(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	vanished := f.vanish
	f.mu.Unlock()
	if vanished {
		return nil, errcode.New("read", errcode.PortVanished, "simulated disconnect", nil)
	}
	select {
	case b := <-f.fromSim:
		return b, nil
	case <-time.After(timeout):
		return nil, errcode.New("read", errcode.ReadTimeout, "no reply from simulator", nil)
	}
}

func (f *FakeTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	return serial.ReadExactGeneric(f, n, timeout)
}

// SimRead lets the simulator goroutine consume bytes the transport's owner
// wrote with Write.
func (f *FakeTransport) SimRead(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-f.toSim:
		return b, true
	case <-time.After(timeout):
		return nil, false
	}
}

// SimWrite lets the simulator goroutine push a reply that Read/ReadExact
// will surface to the transport's owner.
func (f *FakeTransport) SimWrite(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.fromSim <- cp
}
