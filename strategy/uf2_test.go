package strategy

import (
	"context"
	"testing"

	"upload-engine/board"
	"upload-engine/firmware"
	"upload-engine/serial"
)

func TestUF2Download_ValidatesFormatAndTouchesNoPort(t *testing.T) {
	img := &firmware.Image{Format: firmware.FormatUF2, Linear: make([]byte, 512), TotalBytes: 512}
	profile := &board.Profile{StrategyTag: "uf2-download", FlashPageSize: 256, VerifyPolicy: board.VerifyNone}

	openCalled := false
	env := &Env{
		CurrentPort: serial.PortHandle{Path: "/dev/ttyACM0"},
		OpenPort: func(handle serial.PortHandle, baud uint32) (serial.Transport, error) {
			openCalled = true
			return nil, nil
		},
		Profile: profile,
		Image:   img,
	}

	strat := NewUF2Download()
	res, err := strat.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if openCalled {
		t.Fatal("uf2-download must not open a serial port")
	}
	if res.BytesWritten != 512 {
		t.Fatalf("bytes reported = %d, want 512", res.BytesWritten)
	}
}

func TestUF2Download_RejectsNonUF2Image(t *testing.T) {
	img := &firmware.Image{Format: firmware.FormatIntelHex, Linear: make([]byte, 128)}
	profile := &board.Profile{StrategyTag: "uf2-download", FlashPageSize: 256, VerifyPolicy: board.VerifyNone}

	env := &Env{
		Profile: profile,
		Image:   img,
	}

	strat := NewUF2Download()
	_, err := strat.Run(context.Background(), env)
	if err == nil {
		t.Fatal("expected error for non-UF2 image")
	}
}
