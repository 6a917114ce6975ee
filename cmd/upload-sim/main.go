// Command upload-sim is a hardware-free console for exercising the upload
// engine end to end: it drives UploadOrchestrator against a FakeTransport
// standing in for a real board, wired to a scripted bootloader simulator,
// so the full board-select/flash/resume path can be walked without a
// serial port or the Go toolchain's test runner.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/shlex"

	"upload-engine/board"
	"upload-engine/firmware"
	"upload-engine/orchestrator"
	"upload-engine/serial"
	"upload-engine/serial/serialtest"
	_ "upload-engine/strategy"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	registry := board.NewDefaultRegistry()

	ft := serialtest.NewFakeTransport()
	port := serial.PortHandle{Path: "/dev/ttyACM0", VID: 0x2341, PID: 0x0043}

	openPort := func(h serial.PortHandle, baud uint32) (serial.Transport, error) {
		if err := ft.Open(baud, h); err != nil {
			return nil, err
		}
		return ft, nil
	}
	awaitPort := func(ctx context.Context, vidpids []board.VIDPID, timeout time.Duration) (serial.PortHandle, error) {
		return port, nil
	}

	monitor := orchestrator.NewMonitorCoupler(openPort)
	monitor.Attach(port, 9600, ft)
	orch := orchestrator.NewOrchestrator(monitor, openPort, awaitPort, logger)

	runSTK500v1Sim(ft)

	fmt.Fprintln(os.Stderr, "upload-sim ready; commands: upload <fqbn> <bytes> | status | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		args, err := shlex.Split(scanner.Text())
		if err != nil || len(args) == 0 {
			continue
		}
		switch args[0] {
		case "upload":
			handleUpload(orch, registry, port, args[1:])
		case "status":
			fmt.Printf("monitor state: %s\n", monitor.State())
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		}
	}
}

func handleUpload(orch *orchestrator.Orchestrator, registry *board.Registry, port serial.PortHandle, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: upload <fqbn> <size-bytes>")
		return
	}
	fqbn := args[0]
	profile, ok := registry.Lookup(fqbn)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown fqbn %q\n", fqbn)
		return
	}

	size := 0
	if _, err := fmt.Sscanf(args[1], "%d", &size); err != nil || size <= 0 {
		fmt.Fprintln(os.Stderr, "size-bytes must be a positive integer")
		return
	}
	linear := make([]byte, size)
	for i := range linear {
		linear[i] = byte(i)
	}

	session := &orchestrator.UploadSession{
		Profile:     profile,
		Image:       &firmware.Image{Format: firmware.FormatRawBinary, Linear: linear, StartAddress: 0},
		CurrentPort: port,
	}

	report := orch.Run(context.Background(), session)
	if report.Success {
		fmt.Printf("ok: wrote %d bytes in %d pages\n", report.BytesWritten, report.PagesWritten)
	} else {
		fmt.Printf("fail: %s (%v)\n", report.Code, report.Err)
	}
	for _, line := range report.Log {
		fmt.Println("  " + line)
	}
}

// runSTK500v1Sim answers GetSync/EnterProgMode/ProgramPage/LeaveProgMode
// with a bare ack, standing in for the real bootloader a dev would
// otherwise need plugged in over USB.
func runSTK500v1Sim(ft *serialtest.FakeTransport) {
	go func() {
		for {
			req, ok := ft.SimRead(2 * time.Second)
			if !ok {
				continue
			}
			if len(req) == 0 {
				continue
			}
			ft.SimWrite([]byte{0x14, 0x10})
		}
	}()
}
