package cgroup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsFrozenV2(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte("populated 1\nfrozen 1\n"), 0644); err != nil {
		t.Fatalf("write cgroup.events: %v", err)
	}
	if !IsFrozen(dir) {
		t.Error("expected IsFrozen to report true for frozen 1")
	}
}

func TestIsFrozenV2Thawed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte("populated 1\nfrozen 0\n"), 0644); err != nil {
		t.Fatalf("write cgroup.events: %v", err)
	}
	if IsFrozen(dir) {
		t.Error("expected IsFrozen to report false for frozen 0")
	}
}

func TestIsFrozenV1(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "freezer.state"), []byte("FROZEN\n"), 0644); err != nil {
		t.Fatalf("write freezer.state: %v", err)
	}
	if !IsFrozen(dir) {
		t.Error("expected IsFrozen to report true for FROZEN")
	}
}

func TestIsFrozenMissingFilesDefaultsFalse(t *testing.T) {
	dir := t.TempDir()
	if IsFrozen(dir) {
		t.Error("expected IsFrozen to report false when no freezer interface exists")
	}
}

func TestDetectMode(t *testing.T) {
	if _, err := os.Stat("/sys/fs/cgroup"); os.IsNotExist(err) {
		t.Skip("skipping: cgroup not mounted")
	}
	mode, err := DetectMode()
	if err != nil {
		t.Fatalf("DetectMode: %v", err)
	}
	if mode == ModeUnknown {
		t.Error("expected a recognized cgroup mode on a host with /sys/fs/cgroup mounted")
	}
}
