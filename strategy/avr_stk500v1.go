package strategy

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"upload-engine/board"
	"upload-engine/errcode"
	"upload-engine/serial"
)

// STK500v1 wire constants, as captured in the external-interface section:
// the sync byte is 0x20 ('Space'), the OK response is 0x10.
const (
	stkCmdGetSync        = 0x30
	stkSyncCRCEOP        = 0x20
	stkRespInsync        = 0x14
	stkRespOK            = 0x10
	stkCmdEnterProgmode  = 0x50
	stkCmdLeaveProgmode  = 0x51
	stkCmdReadSign       = 0x75
	stkCmdLoadAddress    = 0x55
	stkCmdProgPage       = 0x64
	stkCmdReadPage       = 0x74
	stkMemTypeFlash      = 'F'
)

const (
	avrResetPulse    = 50 * time.Millisecond
	avrSyncRetries   = 10
	avrSyncRetryWait = 50 * time.Millisecond
	avrTxnTimeout    = 1 * time.Second
	avrPageTimeout   = 3 * time.Second
)

// AVRSTK500v1 drives classic Uno/Nano bootloaders.
//
// State machine: Idle -> Resetting -> Handshaking -> Syncing ->
// ProgrammingPages -> Verifying -> LeavingProgramMode -> Done. Any step's
// failure transitions straight to a failed result; there is no retry
// except the documented sync budget.
type AVRSTK500v1 struct {
	// SkipBlankPages skips pages that are entirely 0xFF. Classic AVR
	// bootloaders are slow; avrdude does this by default, and so do we.
	SkipBlankPages bool
}

func NewAVRSTK500v1() Strategy { return &AVRSTK500v1{SkipBlankPages: true} }

func (s *AVRSTK500v1) Tag() string { return "avr-stk500v1" }

func (s *AVRSTK500v1) TouchesSerialPort() bool { return true }

func init() { Register("avr-stk500v1", NewAVRSTK500v1) }

func (s *AVRSTK500v1) Run(ctx context.Context, env *Env) (*Result, error) {
	res := &Result{FinalPort: env.CurrentPort}

	t, err := env.OpenPort(env.CurrentPort, env.Profile.ProgramBaud)
	if err != nil {
		return res, err
	}
	defer t.Close()

	env.emit(Progress{Phase: PhaseResetting, Message: "pulsing DTR"})
	if err := s.reset(t); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseSyncing})
	if err := s.sync(ctx, t); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseHandshaking, Message: "entering program mode"})
	if err := s.enterProgramMode(t); err != nil {
		return res, err
	}

	if len(env.Profile.ExpectedSignature) > 0 {
		sig, err := s.readSignature(t)
		if err != nil {
			return res, err
		}
		if !bytes.Equal(sig, env.Profile.ExpectedSignature) {
			return res, errcode.New("read_signature", errcode.SignatureMismatch,
				fmt.Sprintf("got % X, want % X", sig, env.Profile.ExpectedSignature), nil)
		}
	}

	pageSize := env.Profile.FlashPageSize
	totalPages := len(env.Image.Linear) / pageSize

	env.emit(Progress{Phase: PhaseProgrammingPages, TotalBytes: len(env.Image.Linear), TotalPages: totalPages})
	for addr, page := range env.Image.PageIter(pageSize) {
		if err := checkCancelled(ctx); err != nil {
			return res, err
		}
		if s.SkipBlankPages && allFF(page) {
			continue
		}
		if err := s.loadAddress(t, addr); err != nil {
			return res, err
		}
		if err := s.programPage(t, page); err != nil {
			return res, err
		}
		res.BytesWritten += len(page)
		res.PagesWritten++
		env.emit(Progress{
			Phase: PhaseProgrammingPages, BytesWritten: res.BytesWritten, TotalBytes: len(env.Image.Linear),
			PagesWritten: res.PagesWritten, TotalPages: totalPages,
		})
	}

	if env.Profile.VerifyPolicy == board.VerifyReadbackCompare {
		env.emit(Progress{Phase: PhaseVerifying})
		for addr, page := range env.Image.PageIter(pageSize) {
			if err := checkCancelled(ctx); err != nil {
				return res, err
			}
			if s.SkipBlankPages && allFF(page) {
				continue
			}
			if err := s.loadAddress(t, addr); err != nil {
				return res, err
			}
			got, err := s.readPage(t, pageSize)
			if err != nil {
				return res, err
			}
			if !bytes.Equal(got, page) {
				return res, errcode.New("verify", errcode.VerifyFailed, fmt.Sprintf("mismatch at %#x", addr), nil)
			}
		}
	}

	env.emit(Progress{Phase: PhaseLeavingProgramMode})
	if err := s.leaveProgramMode(t); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseDone})
	return res, nil
}

func (s *AVRSTK500v1) reset(t serial.Transport) error {
	if err := t.SetLines(false, true); err != nil {
		return err
	}
	time.Sleep(avrResetPulse)
	if err := t.SetLines(true, true); err != nil {
		return err
	}
	return nil
}

func (s *AVRSTK500v1) sync(ctx context.Context, t serial.Transport) error {
	var lastErr error
	for attempt := 0; attempt < avrSyncRetries; attempt++ {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := t.Write([]byte{stkCmdGetSync, stkSyncCRCEOP}); err != nil {
			lastErr = err
			time.Sleep(avrSyncRetryWait)
			continue
		}
		resp, err := t.ReadExact(2, avrTxnTimeout)
		if err == nil && resp[0] == stkRespInsync && resp[1] == stkRespOK {
			return nil
		}
		lastErr = err
		time.Sleep(avrSyncRetryWait)
	}
	return errcode.New("sync", errcode.SyncFailed, fmt.Sprintf("no sync after %d attempts", avrSyncRetries), lastErr)
}

func (s *AVRSTK500v1) enterProgramMode(t serial.Transport) error {
	return s.simpleTxn(t, []byte{stkCmdEnterProgmode, stkSyncCRCEOP}, avrTxnTimeout)
}

func (s *AVRSTK500v1) leaveProgramMode(t serial.Transport) error {
	return s.simpleTxn(t, []byte{stkCmdLeaveProgmode, stkSyncCRCEOP}, avrTxnTimeout)
}

func (s *AVRSTK500v1) simpleTxn(t serial.Transport, req []byte, timeout time.Duration) error {
	if err := t.Write(req); err != nil {
		return errcode.New("stk500v1", errcode.WriteFailed, "write failed", err)
	}
	resp, err := t.ReadExact(2, timeout)
	if err != nil {
		return errcode.New("stk500v1", errcode.ReadTimeout, "no response", err)
	}
	if resp[0] != stkRespInsync || resp[1] != stkRespOK {
		return errcode.New("stk500v1", errcode.SyncFailed, fmt.Sprintf("unexpected response % X", resp), nil)
	}
	return nil
}

func (s *AVRSTK500v1) readSignature(t serial.Transport) ([]byte, error) {
	if err := t.Write([]byte{stkCmdReadSign, stkSyncCRCEOP}); err != nil {
		return nil, errcode.New("read_signature", errcode.WriteFailed, "write failed", err)
	}
	resp, err := t.ReadExact(5, avrTxnTimeout)
	if err != nil {
		return nil, errcode.New("read_signature", errcode.ReadTimeout, "no response", err)
	}
	if resp[0] != stkRespInsync || resp[4] != stkRespOK {
		return nil, errcode.New("read_signature", errcode.SyncFailed, fmt.Sprintf("unexpected response % X", resp), nil)
	}
	return resp[1:4], nil
}

// loadAddress sends a word address, little-endian, per the STK500v1 wire
// format (byte address / 2).
func (s *AVRSTK500v1) loadAddress(t serial.Transport, byteAddr uint32) error {
	word := byteAddr / 2
	lo := byte(word)
	hi := byte(word >> 8)
	return s.simpleTxn(t, []byte{stkCmdLoadAddress, lo, hi, stkSyncCRCEOP}, avrTxnTimeout)
}

func (s *AVRSTK500v1) programPage(t serial.Transport, page []byte) error {
	req := make([]byte, 0, 5+len(page))
	req = append(req, stkCmdProgPage, byte(len(page)>>8), byte(len(page)), stkMemTypeFlash)
	req = append(req, page...)
	req = append(req, stkSyncCRCEOP)
	if err := t.Write(req); err != nil {
		return errcode.New("program_page", errcode.WriteFailed, "write failed", err)
	}
	resp, err := t.ReadExact(2, avrPageTimeout)
	if err != nil {
		return errcode.New("program_page", errcode.ReadTimeout, "no response", err)
	}
	if resp[0] != stkRespInsync || resp[1] != stkRespOK {
		return errcode.New("program_page", errcode.WriteFailed, fmt.Sprintf("unexpected response % X", resp), nil)
	}
	return nil
}

func (s *AVRSTK500v1) readPage(t serial.Transport, size int) ([]byte, error) {
	req := []byte{stkCmdReadPage, byte(size >> 8), byte(size), stkMemTypeFlash, stkSyncCRCEOP}
	if err := t.Write(req); err != nil {
		return nil, errcode.New("read_page", errcode.WriteFailed, "write failed", err)
	}
	resp, err := t.ReadExact(size+2, avrPageTimeout)
	if err != nil {
		return nil, errcode.New("read_page", errcode.ReadTimeout, "no response", err)
	}
	if resp[0] != stkRespInsync || resp[len(resp)-1] != stkRespOK {
		return nil, errcode.New("read_page", errcode.SyncFailed, "malformed readback frame", nil)
	}
	return resp[1 : len(resp)-1], nil
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
