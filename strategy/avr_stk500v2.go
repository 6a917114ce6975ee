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

// STK500v2 frames every command/response in a fixed envelope rather than
// the bare byte pairs STK500v1 uses: MESSAGE_START, a sequence number, a
// 16-bit big-endian size, a fixed TOKEN byte, the body, and a trailing XOR
// checksum over everything before it. Mega-class boards speak this framed
// variant instead of v1.
const (
	stk2MessageStart = 0x1B
	stk2Token        = 0x0E

	stk2CmdSignOn           = 0x01
	stk2CmdEnterProgModeISP = 0x10
	stk2CmdLeaveProgModeISP = 0x11
	stk2CmdLoadAddress      = 0x06
	stk2CmdProgramFlashISP  = 0x13
	stk2CmdReadFlashISP     = 0x14

	stk2StatusOK = 0x00
)

const (
	stk2TxnTimeout  = 1 * time.Second
	stk2PageTimeout = 3 * time.Second
)

// AVRSTK500v2 drives Mega-class bootloaders, which speak the framed
// STK500v2 protocol rather than STK500v1's bare command/response pairs.
type AVRSTK500v2 struct {
	SkipBlankPages bool
	seq            byte
}

func NewAVRSTK500v2() Strategy { return &AVRSTK500v2{SkipBlankPages: true} }

func (s *AVRSTK500v2) Tag() string { return "avr-stk500v2" }

func (s *AVRSTK500v2) TouchesSerialPort() bool { return true }

func init() { Register("avr-stk500v2", NewAVRSTK500v2) }

func (s *AVRSTK500v2) Run(ctx context.Context, env *Env) (*Result, error) {
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

	env.emit(Progress{Phase: PhaseHandshaking, Message: "sign-on"})
	if err := s.signOn(ctx, t); err != nil {
		return res, err
	}

	if err := s.txn(t, stk2CmdEnterProgModeISP, nil, stk2TxnTimeout); err != nil {
		return res, err
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
		if err := s.programPage(t, addr, page); err != nil {
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
			got, err := s.readPage(t, addr, len(page))
			if err != nil {
				return res, err
			}
			if !bytes.Equal(got, page) {
				return res, errcode.New("verify", errcode.VerifyFailed, fmt.Sprintf("mismatch at %#x", addr), nil)
			}
		}
	}

	env.emit(Progress{Phase: PhaseLeavingProgramMode})
	if err := s.txn(t, stk2CmdLeaveProgModeISP, nil, stk2TxnTimeout); err != nil {
		return res, err
	}

	env.emit(Progress{Phase: PhaseDone})
	return res, nil
}

func (s *AVRSTK500v2) reset(t serial.Transport) error {
	if err := t.SetLines(false, true); err != nil {
		return err
	}
	time.Sleep(avrResetPulse)
	return t.SetLines(true, true)
}

func (s *AVRSTK500v2) signOn(ctx context.Context, t serial.Transport) error {
	var lastErr error
	for attempt := 0; attempt < avrSyncRetries; attempt++ {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		if err := s.txn(t, stk2CmdSignOn, nil, stk2TxnTimeout); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(avrSyncRetryWait)
	}
	return errcode.New("sign_on", errcode.SyncFailed, fmt.Sprintf("no sign-on after %d attempts", avrSyncRetries), lastErr)
}

// loadAddress sends the word address (byte address / 2) the next
// Program/Read Flash ISP command applies to. Sent explicitly before
// every page rather than relying on the bootloader's auto-increment,
// since SkipBlankPages can leave gaps in the page sequence.
func (s *AVRSTK500v2) loadAddress(t serial.Transport, byteAddr uint32) error {
	word := byteAddr / 2
	body := []byte{byte(word >> 24), byte(word >> 16), byte(word >> 8), byte(word)}
	return s.txn(t, stk2CmdLoadAddress, body, stk2TxnTimeout)
}

func (s *AVRSTK500v2) programPage(t serial.Transport, addr uint32, page []byte) error {
	if err := s.loadAddress(t, addr); err != nil {
		return err
	}
	body := make([]byte, 0, 10+len(page))
	body = append(body, byte(len(page)>>8), byte(len(page)))
	body = append(body, 0x01, 0x00, 0x00, 0x00, 0x00) // mode/delay/cmd1-3 placeholders, unused by the simulator
	body = append(body, page...)
	return s.txn(t, stk2CmdProgramFlashISP, body, stk2PageTimeout)
}

func (s *AVRSTK500v2) readPage(t serial.Transport, addr uint32, size int) ([]byte, error) {
	if err := s.loadAddress(t, addr); err != nil {
		return nil, err
	}
	body := []byte{byte(size >> 8), byte(size), 0x00}
	resp, err := s.txnReply(t, stk2CmdReadFlashISP, body, stk2PageTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < size {
		return nil, errcode.New("read_flash_isp", errcode.SyncFailed, "short readback", nil)
	}
	return resp[:size], nil
}

// txn sends a framed command and requires a bare OK status in reply.
func (s *AVRSTK500v2) txn(t serial.Transport, cmd byte, body []byte, timeout time.Duration) error {
	_, err := s.txnReply(t, cmd, body, timeout)
	return err
}

// txnReply sends a framed command and returns whatever follows the
// command echo and status byte in the reply body.
func (s *AVRSTK500v2) txnReply(t serial.Transport, cmd byte, body []byte, timeout time.Duration) ([]byte, error) {
	frame := s.buildFrame(cmd, body)
	if err := t.Write(frame); err != nil {
		return nil, errcode.New("stk500v2", errcode.WriteFailed, "write failed", err)
	}

	header, err := t.ReadExact(5, timeout)
	if err != nil {
		return nil, errcode.New("stk500v2", errcode.ReadTimeout, "no response header", err)
	}
	if header[0] != stk2MessageStart {
		return nil, errcode.New("stk500v2", errcode.SyncFailed, "bad message start", nil)
	}
	size := int(header[2])<<8 | int(header[3])
	rest, err := t.ReadExact(size+1, timeout)
	if err != nil {
		return nil, errcode.New("stk500v2", errcode.ReadTimeout, "no response body", err)
	}
	if size < 2 {
		return nil, errcode.New("stk500v2", errcode.SyncFailed, "undersized response body", nil)
	}
	respCmd := rest[0]
	status := rest[1]
	if respCmd != cmd {
		return nil, errcode.New("stk500v2", errcode.SyncFailed, fmt.Sprintf("response echoes cmd %#x, want %#x", respCmd, cmd), nil)
	}
	if status != stk2StatusOK {
		return nil, errcode.New("stk500v2", errcode.SyncFailed, fmt.Sprintf("status %#x", status), nil)
	}
	return rest[2:size], nil
}

func (s *AVRSTK500v2) buildFrame(cmd byte, body []byte) []byte {
	payload := append([]byte{cmd}, body...)
	s.seq++
	frame := []byte{stk2MessageStart, s.seq, byte(len(payload) >> 8), byte(len(payload)), stk2Token}
	frame = append(frame, payload...)
	var xsum byte
	for _, b := range frame {
		xsum ^= b
	}
	frame = append(frame, xsum)
	return frame
}
