package syscallgw

import (
	"errors"
	"testing"
)

func TestRecordingRecordsCallOrder(t *testing.T) {
	r := &Recording{}

	if err := r.Setgroups([]int{100, 101}); err != nil {
		t.Fatalf("Setgroups: %v", err)
	}
	if err := r.Setgid(1000); err != nil {
		t.Fatalf("Setgid: %v", err)
	}
	if err := r.Setuid(1000); err != nil {
		t.Fatalf("Setuid: %v", err)
	}
	r.Setumask(0o22)

	if len(r.Calls) != 4 {
		t.Fatalf("expected 4 recorded calls, got %d", len(r.Calls))
	}
	wantOrder := []string{"Setgroups", "Setgid", "Setuid", "Setumask"}
	for i, want := range wantOrder {
		if r.Calls[i].Name != want {
			t.Errorf("call %d: got %s, want %s", i, r.Calls[i].Name, want)
		}
	}
}

func TestRecordingInjectedError(t *testing.T) {
	r := &Recording{SetuidErr: errors.New("permission denied")}
	if err := r.Setuid(0); err == nil {
		t.Fatal("expected injected Setuid error")
	}
	if len(r.Calls) != 1 {
		t.Fatalf("expected the call to still be recorded, got %d calls", len(r.Calls))
	}
}

func TestRealImplementsInterface(t *testing.T) {
	var _ Interface = Real{}
	var _ Interface = &Recording{}
}
