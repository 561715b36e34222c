package org

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

var (
	ErrAlreadyExists = errors.New("org: already exists")
	ErrNotFound       = errors.New("org: not found")
	ErrAlreadyBootstrapped = errors.New("org: already bootstrapped")
	ErrInvalidToken   = errors.New("org: invalid bootstrap token")
	ErrExpired        = errors.New("org: bootstrap token expired")
)

// Manager creates organizations and redeems their bootstrap tokens.
type Manager struct {
	store storage.Store
}

// New builds a Manager backed by store.
func New(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Create registers a new, not-yet-bootstrapped organization and returns
// its freshly generated bootstrap token. expiresOn is optional; a nil
// expiresOn means the token never expires.
func (m *Manager) Create(id types.OrganizationID, expiresOn *types.Timestamp) (*storage.Organization, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	org := &storage.Organization{
		ID:             id,
		BootstrapToken: token,
		CreatedOn:      types.Now(),
		ExpirationDate: expiresOn,
	}
	if err := m.store.CreateOrganization(org); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// Bootstrap redeems token for id, the one-time act that proves whoever
// holds the token is entitled to create the organization's first user.
// Once bootstrapped, an organization's token is consumed: a second call
// with the same token fails with ErrAlreadyBootstrapped.
func (m *Manager) Bootstrap(id types.OrganizationID, token string) error {
	o, err := m.store.GetOrganization(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get organization: %w", err)
	}

	if o.BootstrapToken == "" {
		return ErrAlreadyBootstrapped
	}
	if o.ExpirationDate != nil && types.Now().After(*o.ExpirationDate) {
		return ErrExpired
	}
	if !constantTimeEqual(o.BootstrapToken, token) {
		return ErrInvalidToken
	}

	o.BootstrapToken = ""
	if err := m.store.UpdateOrganization(o); err != nil {
		return fmt.Errorf("persist bootstrap consumption: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// constantTimeEqual compares two equal-length tokens without an early exit
// at the first differing byte. Tokens of different lengths return false
// immediately, so a length difference is not hidden.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
