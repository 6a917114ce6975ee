package orchestrator

import (
	"testing"

	"upload-engine/serial"
	"upload-engine/serial/serialtest"
)

func TestMonitorCoupler_PauseIsIdempotent(t *testing.T) {
	ft := serialtest.NewFakeTransport()
	port := serial.PortHandle{Path: "/dev/ttyACM0"}
	m := NewMonitorCoupler(func(h serial.PortHandle, baud uint32) (serial.Transport, error) {
		if err := ft.Open(baud, h); err != nil {
			return nil, err
		}
		return ft, nil
	})
	m.Attach(port, 9600, ft)

	m.Pause()
	first := m.State()
	m.Pause()
	if m.State() != first {
		t.Fatalf("second Pause changed state from %v to %v", first, m.State())
	}
	if m.State() != MonitorPaused {
		t.Fatalf("state = %v, want Paused", m.State())
	}
}

func TestMonitorCoupler_ResumeIsIdempotentWithSameArgs(t *testing.T) {
	ft := serialtest.NewFakeTransport()
	port := serial.PortHandle{Path: "/dev/ttyACM0"}
	m := NewMonitorCoupler(func(h serial.PortHandle, baud uint32) (serial.Transport, error) {
		if err := ft.Open(baud, h); err != nil {
			return nil, err
		}
		return ft, nil
	})
	m.Attach(port, 9600, ft)
	m.Pause()
	if err := m.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if err := m.Resume(9600, port); err != nil {
		t.Fatalf("first Resume failed: %v", err)
	}
	openCountAfterFirst := ft.OpenCount

	if err := m.Resume(9600, port); err != nil {
		t.Fatalf("second Resume failed: %v", err)
	}
	if ft.OpenCount != openCountAfterFirst {
		t.Fatalf("second Resume with identical args re-opened the port: opens=%d, want %d", ft.OpenCount, openCountAfterFirst)
	}
	if m.State() != MonitorRunning {
		t.Fatalf("state = %v, want Running", m.State())
	}
}

func TestMonitorCoupler_ReleaseIsIdempotent(t *testing.T) {
	ft := serialtest.NewFakeTransport()
	port := serial.PortHandle{Path: "/dev/ttyACM0"}
	m := NewMonitorCoupler(func(h serial.PortHandle, baud uint32) (serial.Transport, error) {
		if err := ft.Open(baud, h); err != nil {
			return nil, err
		}
		return ft, nil
	})
	m.Attach(port, 9600, ft)
	m.Pause()

	if err := m.Release(); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if m.State() != MonitorReleased {
		t.Fatalf("state = %v, want Released", m.State())
	}
}
