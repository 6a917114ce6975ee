package errcode

import "testing"

func TestOf_PlainCode(t *testing.T) {
	if got := Of(PortBusy); got != PortBusy {
		t.Fatalf("Of(PortBusy) = %v, want %v", got, PortBusy)
	}
}

func TestOf_WrappedE(t *testing.T) {
	err := New("handshake", SyncFailed, "no response after 10 tries", nil)
	if got := Of(err); got != SyncFailed {
		t.Fatalf("Of(E) = %v, want %v", got, SyncFailed)
	}
}

func TestOf_NilIsOK(t *testing.T) {
	if got := Of(nil); got != OK {
		t.Fatalf("Of(nil) = %v, want OK", got)
	}
}

func TestOf_UnknownErrorIsError(t *testing.T) {
	if got := Of(errPlain("boom")); got != Error {
		t.Fatalf("Of(plain) = %v, want Error", got)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestExitCode(t *testing.T) {
	cases := []struct {
		c    Code
		want int
	}{
		{OK, 0},
		{PortNotFound, 3},
		{PortBusy, 3},
		{SyncFailed, 4},
		{BootloaderPortNeeded, 4},
		{VerifyFailed, 5},
		{FirmwareInvalid, 6},
		{Cancelled, 7},
		{BoardMismatch, 1},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.c); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.c, got, tc.want)
		}
	}
}
