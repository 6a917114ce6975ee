package board

import "testing"

func TestDefaultRegistry_LooksUpKnownFQBNs(t *testing.T) {
	r := NewDefaultRegistry()

	p, ok := r.Lookup("arduino:avr:uno")
	if !ok {
		t.Fatal("expected arduino:avr:uno to resolve")
	}
	if p.StrategyTag != "avr-stk500v1" {
		t.Fatalf("strategy tag = %q, want avr-stk500v1", p.StrategyTag)
	}
	if p.FlashPageSize != 128 || p.FlashTotal != 32768 {
		t.Fatalf("unexpected flash geometry: %+v", p)
	}

	if _, ok := r.Lookup("nonexistent:board:x"); ok {
		t.Fatal("expected unknown fqbn to miss")
	}
}

func TestDefaultRegistry_BossaProfileNeedsBootloaderList(t *testing.T) {
	r := NewDefaultRegistry()
	p, ok := r.Lookup("arduino:renesas_uno:unor4wifi")
	if !ok {
		t.Fatal("expected unor4wifi profile")
	}
	if len(p.BootloaderVIDPIDs) == 0 {
		t.Fatal("touch-1200 profile must carry a bootloader vid/pid list")
	}
}

func TestRegister_PanicsOnDuplicateFQBN(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate fqbn registration")
		}
	}()
	r := NewRegistry()
	p := &Profile{StrategyTag: "avr-stk500v1", FlashPageSize: 128}
	r.Register("dup:board:x", p)
	r.Register("dup:board:x", p)
}

func TestRegister_PanicsOnInvalidProfile(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on profile missing bootloader list for touch-1200")
		}
	}()
	r := NewRegistry()
	r.Register("bad:board:x", &Profile{
		StrategyTag: "bossa-samba",
		ResetMethod: ResetTouch1200,
		FlashPageSize: 256,
	})
}
