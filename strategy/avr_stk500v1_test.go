package strategy

import (
	"context"
	"testing"
	"time"

	"upload-engine/board"
	"upload-engine/firmware"
	"upload-engine/serial"
	"upload-engine/serial/serialtest"
)

// runSTK500v1Simulator plays the role of a classic AVR bootloader: it
// answers GetSync with Insync/OK forever, Enter/LeaveProgmode with
// Insync/OK, and records every LoadAddress + ProgramPage pair it
// receives so the test can assert on ordering and addressing.
type stk500v1Call struct {
	wordAddr uint32
	page     []byte
}

func runSTK500v1Simulator(t *testing.T, ft *serialtest.FakeTransport, calls *[]stk500v1Call, done chan struct{}) {
	t.Helper()
	go func() {
		defer close(done)
		var pendingAddr *uint32
		for {
			req, ok := ft.SimRead(300 * time.Millisecond)
			if !ok {
				return
			}
			if len(req) == 0 {
				continue
			}
			switch req[0] {
			case stkCmdGetSync, stkCmdEnterProgmode, stkCmdLeaveProgmode:
				ft.SimWrite([]byte{stkRespInsync, stkRespOK})
			case stkCmdLoadAddress:
				word := uint32(req[1]) | uint32(req[2])<<8
				pendingAddr = &word
				ft.SimWrite([]byte{stkRespInsync, stkRespOK})
			case stkCmdProgPage:
				size := int(req[1])<<8 | int(req[2])
				page := make([]byte, size)
				copy(page, req[4:4+size])
				var addr uint32
				if pendingAddr != nil {
					addr = *pendingAddr
				}
				*calls = append(*calls, stk500v1Call{wordAddr: addr, page: page})
				ft.SimWrite([]byte{stkRespInsync, stkRespOK})
			default:
				ft.SimWrite([]byte{stkRespInsync, stkRespOK})
			}
		}
	}()
}

func TestAVRSTK500v1_ProgramsPagesInAscendingOrderWithWordAddresses(t *testing.T) {
	const pageSize = 128
	const numPages = 4
	linear := make([]byte, pageSize*numPages)
	for i := range linear {
		linear[i] = byte(i) // never all-0xFF, so no page is skipped
	}
	img := &firmware.Image{
		Format:       firmware.FormatIntelHex,
		Linear:       linear,
		StartAddress: 0,
		EndAddress:   uint32(len(linear)),
		TotalBytes:   len(linear),
	}

	profile := &board.Profile{
		StrategyTag:   "avr-stk500v1",
		ProgramBaud:   115200,
		FlashPageSize: pageSize,
		VerifyPolicy:  board.VerifyNone,
	}

	ft := serialtest.NewFakeTransport()
	var calls []stk500v1Call
	done := make(chan struct{})
	runSTK500v1Simulator(t, ft, &calls, done)

	env := &Env{
		CurrentPort: serial.PortHandle{Path: "/dev/ttyACM0"},
		OpenPort: func(handle serial.PortHandle, baud uint32) (serial.Transport, error) {
			if err := ft.Open(baud, handle); err != nil {
				return nil, err
			}
			return ft, nil
		},
		Profile: profile,
		Image:   img,
	}

	strat := NewAVRSTK500v1()
	res, err := strat.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.PagesWritten != numPages {
		t.Fatalf("pages written = %d, want %d", res.PagesWritten, numPages)
	}

	ft.Close()
	<-done

	if len(calls) != numPages {
		t.Fatalf("got %d load-address+program-page pairs, want %d", len(calls), numPages)
	}
	for i, c := range calls {
		wantWordAddr := uint32(i * pageSize / 2)
		if c.wordAddr != wantWordAddr {
			t.Fatalf("call %d: word address = %d, want %d", i, c.wordAddr, wantWordAddr)
		}
		if i > 0 && calls[i-1].wordAddr >= c.wordAddr {
			t.Fatalf("addresses not strictly ascending at call %d", i)
		}
	}
}

func TestAVRSTK500v1_SkipsBlankPages(t *testing.T) {
	const pageSize = 128
	linear := make([]byte, pageSize*2)
	for i := range linear {
		linear[i] = 0xFF // entirely blank
	}
	linear[pageSize] = 0x01 // second page not blank

	img := &firmware.Image{Linear: linear, StartAddress: 0}
	profile := &board.Profile{StrategyTag: "avr-stk500v1", ProgramBaud: 115200, FlashPageSize: pageSize, VerifyPolicy: board.VerifyNone}

	ft := serialtest.NewFakeTransport()
	var calls []stk500v1Call
	done := make(chan struct{})
	runSTK500v1Simulator(t, ft, &calls, done)

	env := &Env{
		CurrentPort: serial.PortHandle{Path: "/dev/ttyACM0"},
		OpenPort: func(handle serial.PortHandle, baud uint32) (serial.Transport, error) {
			if err := ft.Open(baud, handle); err != nil {
				return nil, err
			}
			return ft, nil
		},
		Profile: profile,
		Image:   img,
	}

	strat := NewAVRSTK500v1()
	res, err := strat.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.PagesWritten != 1 {
		t.Fatalf("pages written = %d, want 1 (blank page skipped)", res.PagesWritten)
	}

	ft.Close()
	<-done
	if len(calls) != 1 {
		t.Fatalf("got %d program-page calls, want 1", len(calls))
	}
}
