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

// runSTK500v2Simulator answers every framed request with an OK status and
// an empty body, except PROGRAM_FLASH_ISP, which it records for ordering
// assertions.
func runSTK500v2Simulator(t *testing.T, ft *serialtest.FakeTransport, pages *[][]byte, done chan struct{}) {
	t.Helper()
	go func() {
		defer close(done)
		for {
			header, ok := ft.SimRead(300 * time.Millisecond)
			if !ok {
				return
			}
			if len(header) < 5 {
				continue
			}
			size := int(header[2])<<8 | int(header[3])
			payload := header[5:]
			for len(payload) < size+1 {
				more, ok := ft.SimRead(300 * time.Millisecond)
				if !ok {
					return
				}
				payload = append(payload, more...)
			}
			cmd := payload[0]
			if cmd == stk2CmdProgramFlashISP {
				body := payload[1:size]
				// body layout: 2-byte size, 5 placeholder bytes, then page.
				if len(body) > 7 {
					page := make([]byte, len(body)-7)
					copy(page, body[7:])
					*pages = append(*pages, page)
				}
			}
			resp := []byte{stk2MessageStart, header[1], 0x00, 0x02, stk2Token, cmd, stk2StatusOK}
			var xsum byte
			for _, b := range resp {
				xsum ^= b
			}
			resp = append(resp, xsum)
			ft.SimWrite(resp)
		}
	}()
}

func TestAVRSTK500v2_ProgramsEveryNonBlankPage(t *testing.T) {
	const pageSize = 256
	linear := make([]byte, pageSize*3)
	for i := range linear {
		linear[i] = byte(i % 256)
	}
	img := &firmware.Image{Linear: linear, StartAddress: 0}
	profile := &board.Profile{StrategyTag: "avr-stk500v2", ProgramBaud: 115200, FlashPageSize: pageSize, VerifyPolicy: board.VerifyNone}

	ft := serialtest.NewFakeTransport()
	var pages [][]byte
	done := make(chan struct{})
	runSTK500v2Simulator(t, ft, &pages, done)

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

	strat := NewAVRSTK500v2()
	res, err := strat.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.PagesWritten != 3 {
		t.Fatalf("pages written = %d, want 3", res.PagesWritten)
	}

	ft.Close()
	<-done
	if len(pages) != 3 {
		t.Fatalf("simulator recorded %d program commands, want 3", len(pages))
	}
}
