package helpers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xiaot623/notechat/internal/marker"
	"github.com/xiaot623/notechat/internal/policy"
	"github.com/xiaot623/notechat/internal/store"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func NewTestMarker(t *testing.T) *marker.BoltMarker {
	t.Helper()

	m, err := marker.OpenBolt(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to open marker: %v", err)
	}

	t.Cleanup(func() {
		_ = m.Close()
	})

	return m
}

func NewTestPolicy(t *testing.T, content string) *policy.Engine {
	t.Helper()

	if content == "" {
		content = policy.DefaultPolicy
	}
	engine, err := policy.NewEngine(context.Background(), content)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return engine
}
