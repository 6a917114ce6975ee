// Package orchestrator sequences an upload session end to end: pausing
// the serial monitor, driving a Strategy through reset/handshake/program/
// verify, and resuming the monitor once the port is free again.
package orchestrator

import (
	"sync"

	"upload-engine/errcode"
	"upload-engine/serial"
)

// MonitorState is a point in the MonitorCoupler state machine: Running
// <-> Paused <-> Released. All transitions are idempotent when called
// again with the same target state and arguments.
type MonitorState string

const (
	MonitorRunning  MonitorState = "running"
	MonitorPaused   MonitorState = "paused"
	MonitorReleased MonitorState = "released"
)

// MonitorCoupler owns the serial-monitor UI's view of a port and hands
// that port over to an UploadOrchestrator for the duration of a session.
// The port is the system's only shared resource; ownership is expressed
// entirely by who holds the Transport handle, never by a lock.
type MonitorCoupler struct {
	mu    sync.Mutex
	state MonitorState

	openPort func(handle serial.PortHandle, baud uint32) (serial.Transport, error)

	port      serial.PortHandle
	baud      uint32
	transport serial.Transport
}

// NewMonitorCoupler wraps openPort, the same port-opening primitive a
// Strategy's Env uses, so the coupler and the upload session never
// disagree about how a Transport gets constructed.
func NewMonitorCoupler(openPort func(handle serial.PortHandle, baud uint32) (serial.Transport, error)) *MonitorCoupler {
	return &MonitorCoupler{state: MonitorReleased, openPort: openPort}
}

// Attach puts the coupler in the Running state against an already-open
// port, the state a freshly started serial monitor begins in.
func (m *MonitorCoupler) Attach(port serial.PortHandle, baud uint32, t serial.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = MonitorRunning
	m.port = port
	m.baud = baud
	m.transport = t
}

func (m *MonitorCoupler) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pause transitions Running->Paused: stop dispatching reads to the UI
// but keep the port reference. Idempotent: calling it again while
// already Paused is a no-op.
func (m *MonitorCoupler) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == MonitorRunning {
		m.state = MonitorPaused
	}
}

// Release transitions Paused->Released: close the port. Idempotent.
func (m *MonitorCoupler) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MonitorPaused {
		return nil
	}
	var err error
	if m.transport != nil {
		err = m.transport.Close()
		m.transport = nil
	}
	m.state = MonitorReleased
	if err != nil {
		return errcode.New("monitor_release", errcode.Error, "close failed", err)
	}
	return nil
}

// Resume transitions Released->Running: open at baud, re-arm reads, and
// emit a synthetic "\r\n" so sketches relying on host-detection see a
// byte arrive. Idempotent when called again with the same (baud, port).
func (m *MonitorCoupler) Resume(baud uint32, port serial.PortHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == MonitorRunning && m.port == port && m.baud == baud {
		return nil
	}
	if m.state != MonitorReleased {
		return errcode.New("monitor_resume", errcode.Error, "resume requires a released coupler", nil)
	}
	t, err := m.openPort(port, baud)
	if err != nil {
		return err
	}
	if err := t.Write([]byte("\r\n")); err != nil {
		_ = t.Close()
		return err
	}
	m.transport = t
	m.port = port
	m.baud = baud
	m.state = MonitorRunning
	return nil
}

// Transport exposes the coupler's current handle, for a monitor UI to
// read from while Running. It is nil whenever the coupler is not
// Running.
func (m *MonitorCoupler) Transport() serial.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MonitorRunning {
		return nil
	}
	return m.transport
}

// Baud reports the coupler's last-known baud rate: the one given to
// Attach or to the most recent successful Resume.
func (m *MonitorCoupler) Baud() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}
