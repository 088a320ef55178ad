package container

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ocirun/spec"
)

func newTestContainer(t *testing.T) (*Container, string) {
	t.Helper()
	tmpDir := t.TempDir()

	bundleDir := filepath.Join(tmpDir, "bundle")
	rootfsDir := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}

	s := spec.DefaultSpec()
	if err := s.Save(filepath.Join(bundleDir, "config.json")); err != nil {
		t.Fatalf("save config.json: %v", err)
	}

	stateRoot := filepath.Join(tmpDir, "state")
	if err := os.MkdirAll(stateRoot, 0700); err != nil {
		t.Fatalf("mkdir state root: %v", err)
	}

	c, err := New(context.Background(), "test-container", bundleDir, stateRoot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	return c, stateRoot
}

func TestPauseRejectsNonRunningContainer(t *testing.T) {
	_, stateRoot := newTestContainer(t)

	err := Pause(context.Background(), "test-container", stateRoot)
	if err == nil {
		t.Fatal("expected error pausing a container that never started running")
	}
	if !strings.Contains(err.Error(), "is not running") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestResumeRejectsNonPausedContainer(t *testing.T) {
	_, stateRoot := newTestContainer(t)

	err := Resume(context.Background(), "test-container", stateRoot)
	if err == nil {
		t.Fatal("expected error resuming a container that was never paused")
	}
	if !strings.Contains(err.Error(), "is not paused") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUpdateRejectsNonRunningContainer(t *testing.T) {
	_, stateRoot := newTestContainer(t)

	err := Update(context.Background(), "test-container", stateRoot, &spec.LinuxResources{})
	if err == nil {
		t.Fatal("expected error updating a container that never started running")
	}
	if !strings.Contains(err.Error(), "is not running") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPauseUnknownContainer(t *testing.T) {
	stateRoot := t.TempDir()
	if err := Pause(context.Background(), "does-not-exist", stateRoot); err == nil {
		t.Fatal("expected error pausing an unknown container")
	}
}
