// Package auth maps bearer tokens to principals. Tokens are issued out of
// band and stored bcrypt-hashed; the registry only verifies.
package auth

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/safetrail/backend/internal/core"
)

// Credential is one configured token. The token format is
// "st_<keyID>.<secret>"; only the secret is hashed, the key id is the
// lookup handle.
type Credential struct {
	KeyID          string
	SecretHash     string
	PrincipalID    string
	PrincipalName  string
	Role           core.Role
	CanImpersonate bool
	Active         bool
}

// Registry verifies bearer tokens against configured credentials.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Credential
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Credential)}
}

// Register installs a credential with an already-hashed secret.
func (r *Registry) Register(c Credential) error {
	if c.KeyID == "" || c.SecretHash == "" || c.PrincipalID == "" {
		return core.E(core.KindInvalidInput, "credential needs key id, secret hash, and principal id")
	}
	if c.Role != core.RoleTourist && c.Role != core.RoleAuthority {
		return core.E(core.KindInvalidInput, "unknown role %q", c.Role)
	}
	r.mu.Lock()
	r.keys[c.KeyID] = c
	r.mu.Unlock()
	return nil
}

// Issue creates a credential for a principal and returns the full token to
// hand out. The plaintext secret is never stored.
func (r *Registry) Issue(keyID, secret string, p core.Principal) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	err = r.Register(Credential{
		KeyID:          keyID,
		SecretHash:     string(hash),
		PrincipalID:    p.ID,
		PrincipalName:  p.Name,
		Role:           p.Role,
		CanImpersonate: p.CanImpersonate,
		Active:         true,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("st_%s.%s", keyID, secret), nil
}

// Revoke deactivates a credential without forgetting it.
func (r *Registry) Revoke(keyID string) {
	r.mu.Lock()
	if c, ok := r.keys[keyID]; ok {
		c.Active = false
		r.keys[keyID] = c
	}
	r.mu.Unlock()
}

// Verify resolves a bearer token to its principal. All failure modes
// collapse to one unauthenticated error so callers leak nothing.
func (r *Registry) Verify(token string) (core.Principal, error) {
	keyID, secret, ok := splitToken(token)
	if !ok {
		return core.Principal{}, core.E(core.KindUnauthenticated, "invalid token")
	}

	r.mu.RLock()
	c, found := r.keys[keyID]
	r.mu.RUnlock()
	if !found || !c.Active {
		return core.Principal{}, core.E(core.KindUnauthenticated, "invalid token")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return core.Principal{}, core.E(core.KindUnauthenticated, "invalid token")
	}

	return core.Principal{
		ID:             c.PrincipalID,
		Name:           c.PrincipalName,
		Role:           c.Role,
		CanImpersonate: c.CanImpersonate,
	}, nil
}

func splitToken(token string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, "st_")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
