package container

import (
	"testing"

	"ocirun/spec"
	"ocirun/syscallgw"
)

func withRecordingGateway(t *testing.T) *syscallgw.Recording {
	t.Helper()
	rec := &syscallgw.Recording{}
	prev := Gateway
	Gateway = rec
	t.Cleanup(func() { Gateway = prev })
	return rec
}

func TestSetUserOrdersGroupsBeforeGidBeforeUid(t *testing.T) {
	rec := withRecordingGateway(t)

	umask := uint32(0o22)
	user := spec.User{
		UID:            1000,
		GID:            1000,
		Umask:          &umask,
		AdditionalGids: []uint32{100, 101},
	}

	if err := setUser(user); err != nil {
		t.Fatalf("setUser: %v", err)
	}

	wantOrder := []string{"Setgroups", "Setgid", "Setuid", "Setumask"}
	if len(rec.Calls) != len(wantOrder) {
		t.Fatalf("expected %d calls, got %d: %v", len(wantOrder), len(rec.Calls), rec.Calls)
	}
	for i, want := range wantOrder {
		if rec.Calls[i].Name != want {
			t.Errorf("call %d: got %s, want %s", i, rec.Calls[i].Name, want)
		}
	}
}

func TestSetUserSkipsZeroUIDAndGID(t *testing.T) {
	rec := withRecordingGateway(t)

	if err := setUser(spec.User{}); err != nil {
		t.Fatalf("setUser: %v", err)
	}
	if len(rec.Calls) != 0 {
		t.Errorf("expected no syscalls for a root (0/0) user with no groups, got %v", rec.Calls)
	}
}

func TestSetUserPropagatesSetgidError(t *testing.T) {
	rec := withRecordingGateway(t)
	rec.SetgidErr = errSetgidFixture

	err := setUser(spec.User{UID: 1000, GID: 1000})
	if err == nil {
		t.Fatal("expected setUser to propagate a setgid failure")
	}
}

var errSetgidFixture = fixtureErr("setgid not permitted")

type fixtureErr string

func (e fixtureErr) Error() string { return string(e) }
