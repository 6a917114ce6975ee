package strategy

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"upload-engine/errcode"
	"upload-engine/serial"
)

// BOSSA-SAMBA is the native-USB SAM-BA monitor protocol BOSSA speaks: a
// line-oriented ASCII command set over the same CDC-ACM port the
// application uses, entered via the 1200-baud touch convention rather
// than a hardware reset line. Replies are terminated "\n\r" — LF then
// CR, not the usual CR-LF — per the captured protocol trace.
const (
	bossaChunkSize        = 4096
	bossaHandshakeTimeout = 500 * time.Millisecond
	bossaHandshakeRetries = 3
	bossaChunkTimeout     = 3 * time.Second
	bossaBootloaderWait   = 10 * time.Second

	bossaAppletLoadAddr = 0x20000000
	bossaAppletParamReg = 0x20000000 + 0x100
)

// bossaApplet is the small stub SAM-BA loads into SRAM and executes to
// drive the actual flash-write sequence; this engine treats it as an
// opaque blob carried by the strategy rather than compiling it.
var bossaApplet = []byte{
	0x00, 0x00, 0x00, 0x20, 0x01, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20,
	0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20,
	0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20, 0x03, 0x00, 0x00, 0x20,
	0x03, 0x00, 0x00, 0x20,
}

// BOSSASAMBA drives Uno R4 WiFi-class boards: native-USB ARM/Renesas
// targets whose bootloader is reached by a 1200-baud touch rather than a
// DTR pulse, and whose wire protocol is line-oriented ASCII rather than
// a binary frame.
type BOSSASAMBA struct {
	bootloaderVersion string
}

func NewBOSSASAMBA() Strategy { return &BOSSASAMBA{} }

func (s *BOSSASAMBA) Tag() string { return "bossa-samba" }

func (s *BOSSASAMBA) TouchesSerialPort() bool { return true }

func init() { Register("bossa-samba", NewBOSSASAMBA) }

func (s *BOSSASAMBA) Run(ctx context.Context, env *Env) (*Result, error) {
	res := &Result{FinalPort: env.CurrentPort}

	env.emit(Progress{Phase: PhaseResetting, Message: "touch 1200"})
	appT, err := env.OpenPort(env.CurrentPort, env.Profile.MonitorDefaultBaud)
	if err != nil {
		return res, err
	}
	if err := appT.Touch1200(); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseAwaitingPort, Message: "waiting for bootloader port"})
	if err := checkCancelled(ctx); err != nil {
		return res, err
	}
	bootPort, err := env.AwaitPort(ctx, env.Profile.BootloaderVIDPIDs, bossaBootloaderWait)
	if err != nil {
		return res, err
	}
	res.FinalPort = bootPort

	t, err := env.OpenPort(bootPort, env.Profile.ProgramBaud)
	if err != nil {
		return res, err
	}
	defer t.Close()
	// Some USB-CDC bridges only latch a new line configuration on a fresh
	// open; reopening at the same rate forces a second SET_LINE_CODING.
	if err := t.ReopenAt(env.Profile.ProgramBaud); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseHandshaking, Message: "N#/V#/I#"})
	if err := s.handshake(ctx, t, env.Profile.ProgramBaud); err != nil {
		return res, err
	}
	res.BootloaderVersion = s.bootloaderVersion
	env.logf("bootloader version: %s", s.bootloaderVersion)

	totalBytes := len(env.Image.Linear)
	env.emit(Progress{Phase: PhaseProgrammingPages, TotalBytes: totalBytes})

	first := true
	for addr, chunk := range env.Image.PageIter(bossaChunkSize) {
		if err := checkCancelled(ctx); err != nil {
			return res, err
		}
		if err := s.programChunk(t, addr, chunk, first); err != nil {
			return res, err
		}
		first = false
		res.BytesWritten += len(chunk)
		res.PagesWritten++
		env.emit(Progress{Phase: PhaseProgrammingPages, BytesWritten: res.BytesWritten, TotalBytes: totalBytes,
			PagesWritten: res.PagesWritten})
	}

	if env.Profile.PostUploadReset {
		env.emit(Progress{Phase: PhaseLeavingProgramMode, Message: "requesting reset"})
		if err := s.execute(t, env.Image.StartAddress); err != nil {
			env.logf("post-upload reset command not acknowledged: %v", err)
		}
	}

	env.emit(Progress{Phase: PhaseDone})
	return res, nil
}

// handshake sends the N# (binary mode), V# (version), and I# (device
// info) commands in sequence, reopening and retrying the whole cycle up
// to bossaHandshakeRetries times if any one of them fails to answer
// within bossaHandshakeTimeout.
func (s *BOSSASAMBA) handshake(ctx context.Context, t serial.Transport, baud uint32) error {
	var lastErr error
	for attempt := 0; attempt < bossaHandshakeRetries; attempt++ {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := s.handshakeOnce(t); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if err := t.ReopenAt(baud); err != nil {
			return err
		}
	}
	return errcode.New("handshake", errcode.SyncFailed, "no response to N#/V#/I#", lastErr)
}

func (s *BOSSASAMBA) handshakeOnce(t serial.Transport) error {
	if err := s.sendCommand(t, "N#"); err != nil {
		return err
	}
	ack, err := t.ReadExact(2, bossaHandshakeTimeout)
	if err != nil {
		return errcode.New("handshake", errcode.ReadTimeout, "no reply to N#", err)
	}
	if ack[0] != '\n' || ack[1] != '\r' {
		return errcode.New("handshake", errcode.SyncFailed, "malformed N# reply", nil)
	}

	version, err := s.sendCommandReply(t, "V#")
	if err != nil {
		return err
	}
	s.bootloaderVersion = version

	if _, err := s.sendCommandReply(t, "I#"); err != nil {
		return err
	}
	return nil
}

func (s *BOSSASAMBA) sendCommand(t serial.Transport, cmd string) error {
	if err := t.Write([]byte(cmd)); err != nil {
		return errcode.New("bossa", errcode.WriteFailed, "write failed", err)
	}
	return nil
}

// sendCommandReply writes cmd and reads until the "\n\r" terminator,
// returning the ASCII payload preceding it.
func (s *BOSSASAMBA) sendCommandReply(t serial.Transport, cmd string) (string, error) {
	if err := s.sendCommand(t, cmd); err != nil {
		return "", err
	}
	var out []byte
	deadline := time.Now().Add(bossaHandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errcode.New("bossa", errcode.ReadTimeout, "no reply", nil)
		}
		b, err := t.Read(remaining)
		if err != nil {
			return "", errcode.New("bossa", errcode.ReadTimeout, "no reply", err)
		}
		out = append(out, b...)
		if n := len(out); n >= 2 && out[n-2] == '\n' && out[n-1] == '\r' {
			return string(out[:n-2]), nil
		}
	}
}

// sendCommandReplyTimeout is sendCommandReply with an explicit timeout,
// used for the longer-running chunk-level commands.
func (s *BOSSASAMBA) sendCommandReplyTimeout(t serial.Transport, cmd string, timeout time.Duration) (string, error) {
	if err := s.sendCommand(t, cmd); err != nil {
		return "", err
	}
	var out []byte
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errcode.New("bossa", errcode.ReadTimeout, "no reply", nil)
		}
		b, err := t.Read(remaining)
		if err != nil {
			return "", errcode.New("bossa", errcode.ReadTimeout, "no reply", err)
		}
		out = append(out, b...)
		if n := len(out); n >= 2 && out[n-2] == '\n' && out[n-1] == '\r' {
			return string(out[:n-2]), nil
		}
	}
}

// programChunk drives one 4096-byte chunk through the applet: on the
// first chunk it loads the applet stub into SRAM, then for every chunk
// it writes the applet's parameters, executes it, sends the raw chunk,
// and sends a Y# verify request carrying the locally computed CRC of the
// chunk; a "\n\r"-terminated reply within bossaChunkTimeout counts as a
// successful verify.
func (s *BOSSASAMBA) programChunk(t serial.Transport, addr uint32, chunk []byte, loadApplet bool) error {
	if loadApplet {
		cmd := fmt.Sprintf("S%08X,%08X#", bossaAppletLoadAddr, len(bossaApplet))
		if err := s.sendCommand(t, cmd); err != nil {
			return err
		}
		if err := t.Write(bossaApplet); err != nil {
			return errcode.New("load_applet", errcode.WriteFailed, "applet write failed", err)
		}
	}

	paramCmd := fmt.Sprintf("W%08X,%08X#", bossaAppletParamReg, addr)
	if err := s.sendCommand(t, paramCmd); err != nil {
		return err
	}

	execCmd := fmt.Sprintf("X%08X#", bossaAppletLoadAddr)
	if err := s.sendCommand(t, execCmd); err != nil {
		return err
	}

	sendCmd := fmt.Sprintf("S%08X,%08X#", addr, len(chunk))
	if err := s.sendCommand(t, sendCmd); err != nil {
		return err
	}
	if err := t.Write(chunk); err != nil {
		return errcode.New("write_chunk", errcode.WriteFailed, "chunk write failed", err)
	}

	crc := crc32OfChunk(chunk)
	verifyCmd := fmt.Sprintf("Y%08X,%08X#", addr, crc)
	if _, err := s.sendCommandReplyTimeout(t, verifyCmd, bossaChunkTimeout); err != nil {
		return errcode.New("verify_chunk", errcode.VerifyFailed, fmt.Sprintf("verify failed at %#x", addr), err)
	}
	return nil
}

// execute jumps to the application entry point via X<addr>#, leaving
// SAM-BA monitor mode.
func (s *BOSSASAMBA) execute(t serial.Transport, addr uint32) error {
	return s.sendCommand(t, fmt.Sprintf("X%08X#", addr))
}

func crc32OfChunk(chunk []byte) uint32 { return crc32.ChecksumIEEE(chunk) }
