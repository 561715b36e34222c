package org

import (
	"testing"
	"time"

	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("acme", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("acme", nil); err != ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestBootstrapConsumesTokenOnce(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Create("acme", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Bootstrap("acme", created.BootstrapToken); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := m.Bootstrap("acme", created.BootstrapToken); err != ErrAlreadyBootstrapped {
		t.Fatalf("got %v, want ErrAlreadyBootstrapped", err)
	}
}

func TestBootstrapRejectsWrongToken(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("acme", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Bootstrap("acme", "not-the-token"); err != ErrInvalidToken {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestBootstrapRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	past := types.NewTimestamp(types.Now().Time.Add(-time.Hour))
	created, err := m.Create("acme", &past)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Bootstrap("acme", created.BootstrapToken); err != ErrExpired {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestBootstrapUnknownOrganization(t *testing.T) {
	m := newTestManager(t)
	if err := m.Bootstrap("nope", "token"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
