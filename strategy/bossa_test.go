package strategy

import (
	"context"
	"strings"
	"testing"
	"time"

	"upload-engine/board"
	"upload-engine/firmware"
	"upload-engine/serial"
	"upload-engine/serial/serialtest"
)

// bossaSimulator answers the line-oriented SAM-BA ASCII protocol: N#/V#/I#
// with "\n\r"-terminated replies, S#/W#/X# commands with no reply at all
// (as real SAM-BA monitors give none), and Y# verify requests with a bare
// "\n\r" acknowledging the embedded CRC unconditionally. It records every
// command line it receives (verbatim, including case) so the test can
// assert on exact sequencing and hex casing.
func bossaSimulator(t *testing.T, ft *serialtest.FakeTransport, commands *[]string, done chan struct{}) {
	t.Helper()
	go func() {
		defer close(done)
		var buf []byte
		for {
			chunk, ok := ft.SimRead(300 * time.Millisecond)
			if !ok {
				return
			}
			buf = append(buf, chunk...)
			for {
				idx := indexByte(buf, '#')
				if idx < 0 {
					break
				}
				line := string(buf[:idx+1])
				buf = buf[idx+1:]
				*commands = append(*commands, line)
				switch {
				case line == "N#":
					ft.SimWrite([]byte{'\n', '\r'})
				case strings.HasPrefix(line, "V#"):
					ft.SimWrite(append([]byte("v1.0"), '\n', '\r'))
				case strings.HasPrefix(line, "I#"):
					ft.SimWrite(append([]byte("arduino"), '\n', '\r'))
				case strings.HasPrefix(line, "Y"):
					ft.SimWrite([]byte{'\n', '\r'})
				case strings.HasPrefix(line, "S"):
					// Applet-load and chunk-send commands are followed by
					// raw, non-'#'-terminated bytes; drain them so the
					// next '#'-terminated command parses cleanly.
					n := parseSPayloadLen(line)
					for len(buf) < n {
						more, ok := ft.SimRead(300 * time.Millisecond)
						if !ok {
							return
						}
						buf = append(buf, more...)
					}
					buf = buf[n:]
				}
			}
		}
	}()
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// parseSPayloadLen parses "S<addr8hex>,<len8hex>#" and returns the
// length field, i.e. how many raw bytes follow the command.
func parseSPayloadLen(cmd string) int {
	body := strings.TrimSuffix(strings.TrimPrefix(cmd, "S"), "#")
	parts := strings.Split(body, ",")
	if len(parts) != 2 {
		return 0
	}
	var n int
	for _, c := range parts[1] {
		n *= 16
		switch {
		case c >= '0' && c <= '9':
			n += int(c - '0')
		case c >= 'A' && c <= 'F':
			n += int(c-'A') + 10
		case c >= 'a' && c <= 'f':
			n += int(c-'a') + 10
		}
	}
	return n
}

func TestBOSSA_HandshakeSequenceAndUppercaseHex(t *testing.T) {
	linear := make([]byte, bossaChunkSize)
	for i := range linear {
		linear[i] = byte(i)
	}
	img := &firmware.Image{Linear: linear, StartAddress: 0x00004000}

	profile := &board.Profile{
		StrategyTag:        "bossa-samba",
		ProgramBaud:        230400,
		MonitorDefaultBaud: 115200,
		ResetMethod:        board.ResetTouch1200,
		BootloaderVIDPIDs:  []board.VIDPID{{VID: 0x2341, PID: 0x0069}},
		FlashPageSize:      256,
		VerifyPolicy:       board.VerifyCRCAfterWrite,
	}

	ft := serialtest.NewFakeTransport()
	var commands []string
	done := make(chan struct{})
	bossaSimulator(t, ft, &commands, done)

	bootHandle := serial.PortHandle{Path: "/dev/ttyACM1", VID: 0x2341, PID: 0x0069}

	env := &Env{
		CurrentPort: serial.PortHandle{Path: "/dev/ttyACM0", VID: 0x2341, PID: 0x1002},
		OpenPort: func(handle serial.PortHandle, baud uint32) (serial.Transport, error) {
			if err := ft.Open(baud, handle); err != nil {
				return nil, err
			}
			return ft, nil
		},
		AwaitPort: func(ctx context.Context, vidpids []board.VIDPID, timeout time.Duration) (serial.PortHandle, error) {
			return bootHandle, nil
		},
		Profile: profile,
		Image:   img,
	}

	strat := NewBOSSASAMBA()
	res, err := strat.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FinalPort != bootHandle {
		t.Fatalf("final port = %+v, want %+v", res.FinalPort, bootHandle)
	}
	if res.BytesWritten != len(linear) {
		t.Fatalf("bytes written = %d, want %d", res.BytesWritten, len(linear))
	}

	ft.Close()
	<-done

	if len(commands) < 3 {
		t.Fatalf("too few commands recorded: %v", commands)
	}
	if commands[0] != "N#" || commands[1] != "V#" || commands[2] != "I#" {
		t.Fatalf("handshake sequence = %v, want [N# V# I#]", commands[:3])
	}
	for _, c := range commands {
		if strings.ContainsAny(c, "abcdef") {
			t.Fatalf("command %q contains lowercase hex, want uppercase only", c)
		}
	}
}
