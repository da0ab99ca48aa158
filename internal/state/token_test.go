// internal/state/token_test.go
package state

import (
	"os"
	"testing"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)

	token, err := store.Token()
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("expected empty token before first save, got %q", token)
	}

	if err := store.SetToken("abc.def.ghi"); err != nil {
		t.Fatal(err)
	}
	token, err = store.Token()
	if err != nil {
		t.Fatal(err)
	}
	if token != "abc.def.ghi" {
		t.Errorf("expected saved token, got %q", token)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after successful save")
	}

	if err := store.ClearToken(); err != nil {
		t.Fatal(err)
	}
	token, _ = store.Token()
	if token != "" {
		t.Errorf("expected empty token after clear, got %q", token)
	}

	// Clearing twice is fine.
	if err := store.ClearToken(); err != nil {
		t.Errorf("second clear should not fail: %v", err)
	}
}

func TestTokenStoreSharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a := NewTokenStore(dir)
	b := NewTokenStore(dir)

	if err := a.SetToken("shared"); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Token(); got != "shared" {
		t.Errorf("expected second instance to see token, got %q", got)
	}
	if err := b.ClearToken(); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Token(); got != "" {
		t.Errorf("expected first instance to see cleared token, got %q", got)
	}
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore("seed")
	if got, _ := store.Token(); got != "seed" {
		t.Errorf("expected seed, got %q", got)
	}
	_ = store.SetToken("next")
	if got, _ := store.Token(); got != "next" {
		t.Errorf("expected next, got %q", got)
	}
	_ = store.ClearToken()
	if got, _ := store.Token(); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
