package strategy

import (
	"context"
	"fmt"

	"upload-engine/errcode"
	"upload-engine/firmware"
)

// UF2Download is a validation-only strategy: boards in this family expose
// their flash as a USB mass-storage volume and accept a drag-and-drop UF2
// copy outside this engine's process. There is no serial programming to
// perform and no monitor-state transition to make — the strategy's entire
// job is to confirm the image is a well-formed UF2 file before telling the
// caller it is safe to hand off.
type UF2Download struct{}

func NewUF2Download() Strategy { return &UF2Download{} }

func (s *UF2Download) Tag() string { return "uf2-download" }

func (s *UF2Download) TouchesSerialPort() bool { return false }

func init() { Register("uf2-download", NewUF2Download) }

func (s *UF2Download) Run(ctx context.Context, env *Env) (*Result, error) {
	res := &Result{FinalPort: env.CurrentPort}

	if err := checkCancelled(ctx); err != nil {
		return res, err
	}

	if env.Image.Format != firmware.FormatUF2 {
		return res, errcode.New("uf2_download", errcode.FirmwareInvalid,
			fmt.Sprintf("image format %s is not a UF2 image", env.Image.Format), nil)
	}

	env.emit(Progress{Phase: PhaseDone, Message: "image validated; drag-and-drop copy is out of process scope"})
	res.BytesWritten = env.Image.TotalImageBytes()
	res.PagesWritten = 0
	return res, nil
}
