// Package apikey issues and validates the cpk_ keys agents call the
// gateway with.
//
// The plaintext key is returned exactly once at issue time; only its
// SHA-256 hash and last eight characters are stored. Revocation keeps the
// row (and its reason) for the audit trail instead of deleting it.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Prefix marks every key this service issues.
const Prefix = "cpk_"

// Errors
var (
	ErrKeyNotFound   = errors.New("apikey: key not found")
	ErrKeyRevoked    = errors.New("apikey: key has been revoked")
	ErrAgentNotFound = errors.New("apikey: agent not found")
)

// Key is the stored metadata for one API key. The hash never leaves the
// package and the plaintext is never stored at all.
type Key struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agentId"`
	Name          string    `json:"name"`
	Hash          string    `json:"-"`
	Suffix        string    `json:"suffix"` // last 8 chars, for display
	IsActive      bool      `json:"isActive"`
	RevokedReason string    `json:"revokedReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, k *Key) error
	GetByID(ctx context.Context, id string) (*Key, error)
	GetByHash(ctx context.Context, hash string) (*Key, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Key, error)
	Revoke(ctx context.Context, id, reason string) error
}

// HashKey returns the SHA-256 hex digest of a plaintext key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Auditor records key lifecycle events against the owning organization.
// The service only knows the agent; implementations resolve the org
// themselves and must not fail the key operation.
type Auditor interface {
	KeyIssued(ctx context.Context, agentID, keyID, suffix string)
	KeyRevoked(ctx context.Context, agentID, keyID, reason string)
}

// Service issues and validates keys.
type Service struct {
	store   Store
	auditor Auditor
	logger  *slog.Logger
}

// NewService creates an API key service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithAuditor wires the audit trail for key lifecycle events.
func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// Issue mints a key for an agent and returns the plaintext exactly once.
func (s *Service) Issue(ctx context.Context, agentID, name string) (plaintext string, key *Key, err error) {
	plaintext = idgen.Token(Prefix)
	key = &Key{
		ID:        idgen.New(),
		AgentID:   agentID,
		Name:      name,
		Hash:      HashKey(plaintext),
		Suffix:    plaintext[len(plaintext)-8:],
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	s.logger.Info("api key issued",
		"key_id", key.ID,
		"agent_id", agentID,
		"suffix", key.Suffix)
	if s.auditor != nil {
		s.auditor.KeyIssued(ctx, agentID, key.ID, key.Suffix)
	}
	return plaintext, key, nil
}

// AgentForKeyHash resolves a key hash to its agent. Unknown hashes return
// ErrKeyNotFound and revoked keys ErrKeyRevoked; the gateway folds both
// into a 401.
func (s *Service) AgentForKeyHash(ctx context.Context, keyHash string) (string, error) {
	k, err := s.store.GetByHash(ctx, keyHash)
	if err != nil {
		return "", err
	}
	if !k.IsActive {
		return "", ErrKeyRevoked
	}
	return k.AgentID, nil
}

// Get returns one key's metadata.
func (s *Service) Get(ctx context.Context, id string) (*Key, error) {
	return s.store.GetByID(ctx, id)
}

// List returns an agent's keys, revoked ones included.
func (s *Service) List(ctx context.Context, agentID string) ([]*Key, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// Revoke deactivates a key. Revocation is permanent; issue a new key to
// restore access.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	k, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, id, reason); err != nil {
		return err
	}
	s.logger.Info("api key revoked", "key_id", id, "reason", reason)
	if s.auditor != nil {
		s.auditor.KeyRevoked(ctx, k.AgentID, id, reason)
	}
	return nil
}
