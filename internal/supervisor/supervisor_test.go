package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshguard/routerd/internal/config"
)

func TestNewRequiresDeviceIDWhenStoreIsFresh(t *testing.T) {
	cfg := &config.Config{
		StateDir:     t.TempDir(),
		WebsocketURL: "wss://cp.example.com",
	}
	_, err := New(cfg, "")
	if !errors.Is(err, ErrIdentity) {
		t.Fatalf("New() error = %v, want ErrIdentity", err)
	}
}

func TestNewRequiresOwnerWhenStoreIsFresh(t *testing.T) {
	cfg := &config.Config{
		DeviceID:     "router-1",
		APIKey:       "secret",
		StateDir:     t.TempDir(),
		WebsocketURL: "wss://cp.example.com",
	}
	_, err := New(cfg, "")
	if !errors.Is(err, ErrIdentity) {
		t.Fatalf("New() error = %v, want ErrIdentity", err)
	}
}

func TestNewSucceedsAndPersistsIdentityOnFirstRun(t *testing.T) {
	cfg := &config.Config{
		DeviceID:     "router-1",
		APIKey:       "secret",
		Owner:        "operator@example.com",
		StateDir:     t.TempDir(),
		WebsocketURL: "wss://cp.example.com",
	}
	sup, err := New(cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sup.store.Close()

	id, hash := sup.store.DeviceIdentity()
	if id != "router-1" {
		t.Fatalf("DeviceIdentity id = %q, want router-1", id)
	}
	if hash == "" || hash == "secret" {
		t.Fatalf("api key hash should be a hash, not the raw key or empty, got %q", hash)
	}
	if owner := sup.store.BoundOwner(); owner != "operator@example.com" {
		t.Fatalf("BoundOwner = %q, want operator@example.com", owner)
	}
}

func TestNewReusesPersistedIdentityOnSubsequentRun(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DeviceID:     "router-1",
		APIKey:       "secret",
		Owner:        "operator@example.com",
		StateDir:     dir,
		WebsocketURL: "wss://cp.example.com",
	}

	first, err := New(cfg, "")
	if err != nil {
		t.Fatalf("New (first): %v", err)
	}
	first.store.Close()

	// Even without device_id/owner configured the second time, the
	// persisted identity in the state store should let construction succeed.
	cfg2 := &config.Config{StateDir: dir, WebsocketURL: "wss://cp.example.com"}
	second, err := New(cfg2, "")
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	defer second.store.Close()

	id, _ := second.store.DeviceIdentity()
	if id != "router-1" {
		t.Fatalf("DeviceIdentity id = %q, want router-1 (persisted)", id)
	}
	if owner := second.store.BoundOwner(); owner != "operator@example.com" {
		t.Fatalf("BoundOwner = %q, want operator@example.com (persisted)", owner)
	}
}

func TestNewReturnsStateStoreErrorOnUnopenableDir(t *testing.T) {
	parent := t.TempDir()
	// A regular file where the store expects a directory makes badger.Open fail.
	blocker := filepath.Join(parent, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker file: %v", err)
	}

	cfg := &config.Config{
		DeviceID:     "router-1",
		Owner:        "operator@example.com",
		StateDir:     filepath.Join(blocker, "state"),
		WebsocketURL: "wss://cp.example.com",
	}
	_, err := New(cfg, "")
	if !errors.Is(err, ErrStateStore) {
		t.Fatalf("New() error = %v, want ErrStateStore", err)
	}
}
