package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"upload-engine/board"
	"upload-engine/errcode"
	"upload-engine/serial"
	"upload-engine/strategy"
)

const appPortReappearTimeout = 2 * time.Second

// Orchestrator drives one upload session at a time per port, pausing and
// resuming a MonitorCoupler around the session and refusing to start a
// second session on a port that already has one in flight.
type Orchestrator struct {
	Monitor   *MonitorCoupler
	OpenPort  strategy.OpenPortFunc
	AwaitPort strategy.AwaitPortFunc
	Logger    *slog.Logger

	mu         sync.Mutex
	inProgress map[string]bool
}

func NewOrchestrator(monitor *MonitorCoupler, openPort strategy.OpenPortFunc, awaitPort strategy.AwaitPortFunc, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Monitor:    monitor,
		OpenPort:   openPort,
		AwaitPort:  awaitPort,
		Logger:     logger,
		inProgress: map[string]bool{},
	}
}

// Run sequences a full upload: port-match check, monitor pause, strategy
// reset/handshake/program/verify, port close, and monitor resume. It
// never returns a bare error — every outcome, including refusal to
// start, is expressed in the returned UploadReport.
func (o *Orchestrator) Run(ctx context.Context, session *UploadSession) *UploadReport {
	var log []string
	logf := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log = append(log, msg)
		if o.Logger != nil {
			o.Logger.Info(msg)
		}
	}

	portKey := session.CurrentPort.Path
	if !o.claim(portKey) {
		return failReport(errcode.SessionInProgress,
			errcode.New("run", errcode.SessionInProgress, fmt.Sprintf("session already in progress on %s", portKey), nil),
			nil, log)
	}
	defer o.release(portKey)

	monitorBaud := session.LastWorkingBaud
	if monitorBaud == 0 {
		monitorBaud = session.Profile.MonitorDefaultBaud
	}

	if !portMatchesProfile(session.CurrentPort, session.Profile) && !session.ConfirmMismatch {
		// The monitor was never paused, so this is a no-op resume against
		// its current state — but it is still the documented transition,
		// not a silent skip.
		o.resumeMonitorBestEffort(session.CurrentPort, monitorBaud, logf)
		return failReport(errcode.BoardMismatch,
			errcode.New("run", errcode.BoardMismatch, "open port vid/pid does not match profile's app vid/pid list", nil),
			nil, log)
	}

	strat, err := strategy.Select(session.Profile.StrategyTag)
	if err != nil {
		o.resumeMonitorBestEffort(session.CurrentPort, monitorBaud, logf)
		return failReport(errcode.Of(err), err, nil, log)
	}

	// UF2-Download never opens a serial port, so the monitor is left
	// exactly as it was found — pausing and releasing it would be
	// altering monitor state around a strategy that never touches the
	// transport it coordinates.
	ownsMonitor := strat.TouchesSerialPort()
	if ownsMonitor {
		logf("pausing monitor at %d baud", monitorBaud)
		o.Monitor.Pause()
		if err := o.Monitor.Release(); err != nil {
			return failReport(errcode.Of(err), err, nil, log)
		}
	}

	env := &strategy.Env{
		CurrentPort: session.CurrentPort,
		OpenPort:    o.OpenPort,
		AwaitPort:   o.AwaitPort,
		Profile:     session.Profile,
		Image:       session.Image,
		Progress:    func(p strategy.Progress) { logf("phase=%s bytes=%d/%d", p.Phase, p.BytesWritten, p.TotalBytes) },
		Logger:      o.Logger,
	}

	res, runErr := strat.Run(ctx, env)
	if runErr != nil && errcode.Of(runErr) == errcode.SyncFailed && (res == nil || res.BytesWritten == 0) {
		// The orchestrator retries only the handshake-failure case, and
		// only when nothing has been written yet — a programming
		// failure is reported, never retried, so partial flash state is
		// never silently compounded.
		logf("handshake failed, retrying once: %v", runErr)
		res, runErr = strat.Run(ctx, env)
	}

	finalPort := session.CurrentPort
	if res != nil {
		finalPort = res.FinalPort
	}

	if runErr != nil {
		logf("upload failed: %v", runErr)
		if ownsMonitor {
			o.resumeMonitorBestEffort(session.CurrentPort, monitorBaud, logf)
		}
		return failReport(errcode.Of(runErr), runErr, res, log)
	}

	// The strategy owns the programming port for its whole run and
	// closes it before returning; nothing further to close here.
	if ownsMonitor {
		resumePort := session.CurrentPort
		if waitPort, err := o.awaitAppPort(ctx, session.Profile, appPortReappearTimeout); err == nil {
			resumePort = waitPort
		}
		logf("resuming monitor at %d baud on %s", monitorBaud, resumePort.Path)
		if err := o.Monitor.Resume(monitorBaud, resumePort); err != nil {
			logf("monitor resume failed: %v", err)
		}
	}

	return &UploadReport{
		Success:           true,
		Code:              errcode.OK,
		BytesWritten:      res.BytesWritten,
		PagesWritten:      res.PagesWritten,
		BootloaderVersion: res.BootloaderVersion,
		FinalPort:         finalPort,
		LastWorkingBaud:   monitorBaud,
		Log:               log,
	}
}

func (o *Orchestrator) claim(portKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inProgress[portKey] {
		return false
	}
	o.inProgress[portKey] = true
	return true
}

func (o *Orchestrator) release(portKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inProgress, portKey)
}

// awaitAppPort waits up to timeout for the application port to
// re-appear after a native-USB strategy has closed the bootloader port.
// A failure here is not itself a run failure: the monitor simply resumes
// against the original port handle.
func (o *Orchestrator) awaitAppPort(ctx context.Context, profile *board.Profile, timeout time.Duration) (serial.PortHandle, error) {
	if o.AwaitPort == nil || len(profile.AppVIDPIDs) == 0 {
		return serial.PortHandle{}, errcode.New("await_app_port", errcode.PortNotFound, "no app vid/pid list configured", nil)
	}
	return o.AwaitPort(ctx, profile.AppVIDPIDs, timeout)
}

func (o *Orchestrator) resumeMonitorBestEffort(port serial.PortHandle, baud uint32, logf func(string, ...any)) {
	if err := o.Monitor.Resume(baud, port); err != nil {
		logf("monitor resume after failure path failed: %v", err)
	}
}

func portMatchesProfile(port serial.PortHandle, profile *board.Profile) bool {
	if len(profile.AppVIDPIDs) == 0 {
		return true
	}
	for _, vp := range profile.AppVIDPIDs {
		if vp.VID == port.VID && vp.PID == port.PID {
			return true
		}
	}
	return false
}
