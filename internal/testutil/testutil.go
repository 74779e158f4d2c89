//go:build integration || e2e

// Package testutil provides shared helpers for integration and e2e tests:
// temp stores, catalog fixtures, and a fake device transport.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/shapewire-net/shapewire/pkg/catalog"
	"github.com/shapewire-net/shapewire/pkg/store"
)

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitUntil polls cond every 10ms and fails the test when it does not
// hold within five seconds. Use it for effects that land asynchronously,
// like enforcement outcomes and presence changes.
func WaitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ProjectRoot returns the absolute path to the repository root.
func ProjectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	// internal/testutil -> repository root
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

// ConfigsDir locates the repository's configs/ directory holding the
// device catalog and command templates. SHAPEWIRE_TEST_CONFIGS overrides
// the default for runs outside the source tree.
func ConfigsDir() string {
	if dir := os.Getenv("SHAPEWIRE_TEST_CONFIGS"); dir != "" {
		return dir
	}
	return filepath.Join(ProjectRoot(), "configs")
}

// TempStore opens a sqlite store under t.TempDir and registers its
// cleanup. Each call returns an isolated database.
func TempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shapewire.db"))
	if err != nil {
		t.Fatalf("opening temp store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("closing temp store: %v", err)
		}
	})
	return st
}

// LoadCatalog loads the repository's device catalog. Tests share the
// checked-in fixtures so the fleet they see matches the simulator's.
func LoadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(ConfigsDir())
	if err != nil {
		t.Fatalf("loading catalog from %s: %v", ConfigsDir(), err)
	}
	return cat
}
