package orchestrator

import (
	"upload-engine/board"
	"upload-engine/errcode"
	"upload-engine/firmware"
	"upload-engine/serial"
	"upload-engine/strategy"
)

// UploadSession is the orchestrator's sole input: the FQBN-resolved
// profile, the parsed image, the port the caller believes carries the
// application, and the last baud rate the monitor was known to work at.
type UploadSession struct {
	FQBN            string
	Profile         *board.Profile
	Image           *firmware.Image
	CurrentPort     serial.PortHandle
	LastWorkingBaud uint32
	ConfirmMismatch bool // caller has already confirmed a BoardMismatch once
}

// UploadReport is the orchestrator's sole output; run never returns a
// bare error, it always hands back a populated report, per the error
// propagation policy.
type UploadReport struct {
	Success           bool
	Code              errcode.Code
	Err               error
	BytesWritten      int
	PagesWritten      int
	BootloaderVersion string
	FinalPort         serial.PortHandle
	LastWorkingBaud   uint32
	Log               []string
}

func failReport(code errcode.Code, err error, partial *strategy.Result, log []string) *UploadReport {
	r := &UploadReport{Success: false, Code: code, Err: err, Log: log}
	if partial != nil {
		r.BytesWritten = partial.BytesWritten
		r.PagesWritten = partial.PagesWritten
		r.BootloaderVersion = partial.BootloaderVersion
		r.FinalPort = partial.FinalPort
	}
	return r
}
