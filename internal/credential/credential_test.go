package credential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cipher, err := NewCipher(testMasterKey)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return NewService(NewMemoryStore(), cipher, testLogger())
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testMasterKey)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := "sk-live-abc123"
	sealed, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if strings.Contains(sealed, plaintext) {
		t.Error("Ciphertext contains plaintext")
	}

	opened, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if opened != plaintext {
		t.Errorf("Round-trip = %q, want %q", opened, plaintext)
	}

	// Same plaintext encrypts differently each time (random nonce).
	sealed2, _ := cipher.Encrypt(plaintext)
	if sealed == sealed2 {
		t.Error("Two encryptions produced identical ciphertext")
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	cipher, _ := NewCipher(testMasterKey)
	sealed, _ := cipher.Encrypt("secret")

	// Flip a character in the base64 payload.
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}
	if _, err := cipher.Decrypt(string(tampered)); err == nil {
		t.Error("Expected tampered ciphertext to fail")
	}

	if _, err := cipher.Decrypt("not-base64!!!"); err == nil {
		t.Error("Expected garbage input to fail")
	}
	if _, err := cipher.Decrypt(""); err == nil {
		t.Error("Expected empty ciphertext to fail")
	}
}

func TestCipherKeysAreIndependent(t *testing.T) {
	a, _ := NewCipher(testMasterKey)
	b, _ := NewCipher("another-master-key-entirely")

	sealed, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("Cipher with different master key opened the ciphertext")
	}
}

func TestNewCipher_ShortKey(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Error("Expected error for short master key")
	}
}

func TestAddAndActiveKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cred, err := svc.Add(ctx, "org-1", "openai", ModeBYOK, "prod key", "sk-live-abc")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if cred.Mode != ModeBYOK || !cred.IsActive {
		t.Errorf("Credential state wrong: %+v", cred)
	}
	if cred.EncryptedKey == "sk-live-abc" {
		t.Error("Key stored in plaintext")
	}

	key, err := svc.ActiveKey(ctx, "org-1", "openai")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key != "sk-live-abc" {
		t.Errorf("ActiveKey = %q, want sk-live-abc", key)
	}

	if _, err := svc.ActiveKey(ctx, "org-1", "anthropic"); err != ErrNoActiveCredential {
		t.Errorf("ActiveKey(anthropic) = %v, want ErrNoActiveCredential", err)
	}
	if _, err := svc.ActiveKey(ctx, "org-2", "openai"); err != ErrNoActiveCredential {
		t.Errorf("ActiveKey(other org) = %v, want ErrNoActiveCredential", err)
	}
}

func TestAdd_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, "org-1", "openai", ModeBYOK, "", ""); err != ErrEmptyKey {
		t.Errorf("empty key = %v, want ErrEmptyKey", err)
	}
	if _, err := svc.Add(ctx, "org-1", "openai", Mode("RENTED"), "", "sk-x"); err != ErrInvalidMode {
		t.Errorf("bad mode = %v, want ErrInvalidMode", err)
	}

	// Empty mode defaults to BYOK.
	cred, err := svc.Add(ctx, "org-1", "openai", "", "", "sk-x")
	if err != nil {
		t.Fatalf("Add with empty mode failed: %v", err)
	}
	if cred.Mode != ModeBYOK {
		t.Errorf("default mode = %q, want BYOK", cred.Mode)
	}
}

func TestNewestActiveWins(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	old, err := svc.Add(ctx, "org-1", "openai", ModeBYOK, "old", "sk-old")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	// Backdate the first credential so ordering is deterministic.
	old.CreatedAt = old.CreatedAt.Add(-time.Hour)
	if err := svc.store.Create(ctx, old); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	if _, err := svc.Add(ctx, "org-1", "openai", ModeBYOK, "new", "sk-new"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	key, err := svc.ActiveKey(ctx, "org-1", "openai")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key != "sk-new" {
		t.Errorf("ActiveKey = %q, want the newest (sk-new)", key)
	}
}

func TestDeactivateFallsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, _ := svc.Add(ctx, "org-1", "openai", ModeBYOK, "", "sk-first")
	first.CreatedAt = first.CreatedAt.Add(-time.Hour)
	_ = svc.store.Create(ctx, first)
	second, _ := svc.Add(ctx, "org-1", "openai", ModeBYOK, "", "sk-second")

	if err := svc.Deactivate(ctx, second.ID); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	key, err := svc.ActiveKey(ctx, "org-1", "openai")
	if err != nil {
		t.Fatalf("ActiveKey failed: %v", err)
	}
	if key != "sk-first" {
		t.Errorf("ActiveKey = %q, want fallback sk-first", key)
	}

	if err := svc.Deactivate(ctx, first.ID); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if _, err := svc.ActiveKey(ctx, "org-1", "openai"); err != ErrNoActiveCredential {
		t.Errorf("ActiveKey after all deactivated = %v, want ErrNoActiveCredential", err)
	}

	if err := svc.Deactivate(ctx, "missing"); err != ErrCredentialNotFound {
		t.Errorf("Deactivate(missing) = %v, want ErrCredentialNotFound", err)
	}
}

func TestEncryptedKeyNeverSerialized(t *testing.T) {
	svc := newTestService(t)
	cred, err := svc.Add(context.Background(), "org-1", "openai", ModeBYOK, "label", "sk-live-abc")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	b, err := json.Marshal(cred)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(b), cred.EncryptedKey) || strings.Contains(string(b), "sk-live-abc") {
		t.Errorf("Key material leaked into JSON: %s", b)
	}
}

type recordingAuditor struct {
	orgIDs     []string
	eventTypes []string
	metadata   []map[string]any
}

func (a *recordingAuditor) LogEvent(_ context.Context, orgID, _, eventType, _ string, metadata map[string]any) error {
	a.orgIDs = append(a.orgIDs, orgID)
	a.eventTypes = append(a.eventTypes, eventType)
	a.metadata = append(a.metadata, metadata)
	return nil
}

func TestAddWritesAuditTrail(t *testing.T) {
	auditor := &recordingAuditor{}
	svc := newTestService(t).WithAuditor(auditor)

	cred, err := svc.Add(context.Background(), "org-1", "anthropic", ModeBYOK, "", "sk-ant-xyz")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if len(auditor.eventTypes) != 1 || auditor.eventTypes[0] != "credential.created" {
		t.Fatalf("Expected one credential.created event, got %v", auditor.eventTypes)
	}
	if auditor.orgIDs[0] != "org-1" {
		t.Errorf("Audit org = %s, want org-1", auditor.orgIDs[0])
	}
	if auditor.metadata[0]["credential_id"] != cred.ID {
		t.Errorf("Audit metadata missing credential id: %v", auditor.metadata[0])
	}
	// The audit row must never carry key material.
	for k, v := range auditor.metadata[0] {
		if s, ok := v.(string); ok && strings.Contains(s, "sk-ant") {
			t.Errorf("Key material leaked into audit metadata %s=%v", k, v)
		}
	}
}
