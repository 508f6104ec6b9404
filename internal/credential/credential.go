// Package credential stores per-org provider API keys, encrypted at rest.
//
// BYOK credentials are supplied by the org and used for its gateway
// calls; MANAGED ones are provisioned by the platform operator. The
// gateway asks for the newest active key per (org, provider) and falls
// back to the platform-wide key when an org has none.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Errors
var (
	ErrCredentialNotFound = errors.New("credential: not found")
	ErrNoActiveCredential = errors.New("credential: no active credential for provider")
	ErrOrgNotFound        = errors.New("credential: organization not found")
	ErrEmptyKey           = errors.New("credential: api key must not be empty")
	ErrInvalidMode        = errors.New("credential: mode must be MANAGED or BYOK")
)

// Mode says who owns the upstream key.
type Mode string

const (
	ModeManaged Mode = "MANAGED"
	ModeBYOK    Mode = "BYOK"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeManaged || m == ModeBYOK
}

// Credential is one stored provider key. The key material only ever
// appears encrypted here and is never serialized.
type Credential struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	Provider     string    `json:"provider"`
	Mode         Mode      `json:"mode"`
	EncryptedKey string    `json:"-"`
	Label        string    `json:"label,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists credentials.
type Store interface {
	Create(ctx context.Context, c *Credential) error
	Get(ctx context.Context, id string) (*Credential, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Credential, error)
	// NewestActive returns the most recently created active credential
	// for the org/provider pair.
	NewestActive(ctx context.Context, orgID, provider string) (*Credential, error)
	Deactivate(ctx context.Context, id string) error
}

// Auditor records credential lifecycle events. The audit service
// satisfies this.
type Auditor interface {
	LogEvent(ctx context.Context, orgID, actorAgentID, eventType, description string, metadata map[string]any) error
}

// Service encrypts on the way in and decrypts on the way out.
type Service struct {
	store   Store
	cipher  *Cipher
	auditor Auditor
	logger  *slog.Logger
}

// NewService creates a credential service.
func NewService(store Store, cipher *Cipher, logger *slog.Logger) *Service {
	return &Service{store: store, cipher: cipher, logger: logger}
}

// WithAuditor wires the audit trail for stored credentials.
func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// Add encrypts and stores a provider key for an org.
func (s *Service) Add(ctx context.Context, orgID, provider string, mode Mode, label, apiKey string) (*Credential, error) {
	if apiKey == "" {
		return nil, ErrEmptyKey
	}
	if mode == "" {
		mode = ModeBYOK
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	encrypted, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &Credential{
		ID:           idgen.New(),
		OrgID:        orgID,
		Provider:     provider,
		Mode:         mode,
		EncryptedKey: encrypted,
		Label:        label,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("provider credential stored",
		"credential_id", c.ID,
		"org_id", orgID,
		"provider", provider,
		"mode", mode)
	if s.auditor != nil {
		err := s.auditor.LogEvent(ctx, orgID, "", "credential.created",
			"Provider credential stored", map[string]any{
				"credential_id": c.ID,
				"provider":      provider,
				"mode":          string(mode),
			})
		if err != nil {
			s.logger.Error("failed to record credential audit event", "credential_id", c.ID, "error", err)
		}
	}
	return c, nil
}

// List returns an org's credentials, key material excluded.
func (s *Service) List(ctx context.Context, orgID string) ([]*Credential, error) {
	return s.store.ListByOrg(ctx, orgID)
}

// Deactivate turns a credential off. The gateway falls back to the next
// newest active one, or to the platform key.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("provider credential deactivated", "credential_id", id)
	return nil
}

// ActiveKey returns the decrypted newest active key for an org/provider
// pair, or ErrNoActiveCredential.
func (s *Service) ActiveKey(ctx context.Context, orgID, provider string) (string, error) {
	c, err := s.store.NewestActive(ctx, orgID, provider)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(c.EncryptedKey)
}
