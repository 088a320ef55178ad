package container

import (
	"context"
	"testing"
)

func TestGetStatsUnknownContainer(t *testing.T) {
	stateRoot := t.TempDir()
	if _, err := GetStats(context.Background(), "does-not-exist", stateRoot); err == nil {
		t.Fatal("expected error getting stats for an unknown container")
	}
}
