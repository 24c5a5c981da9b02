package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/metrics"
	"github.com/ZeroPathAI/openerrata/internal/repository"
)

// CredentialCipher seals caller-supplied credentials at rest.
type CredentialCipher interface {
	Seal(plaintext []byte, expiresAt time.Time) (domain.EncryptedCredential, error)
	Open(cred domain.EncryptedCredential) ([]byte, error)
}

// VaultConfig tunes the key-source vault.
type VaultConfig struct {
	// TTL bounds how long an attached credential stays usable.
	TTL   time.Duration
	Clock Clock
}

// KeySourceVault stores at most one caller credential per run. The first
// writer wins and later writers are dropped silently.
type KeySourceVault struct {
	store  repository.Store
	cipher CredentialCipher
	ttl    time.Duration
	now    Clock
}

// NewKeySourceVault creates a new KeySourceVault.
func NewKeySourceVault(store repository.Store, cipher CredentialCipher, cfg VaultConfig) *KeySourceVault {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &KeySourceVault{store: store, cipher: cipher, ttl: ttl, now: cfg.Clock.orDefault()}
}

// AttachAPIKey seals apiKey and attaches it to the run.
func (v *KeySourceVault) AttachAPIKey(ctx context.Context, runID int64, apiKey string) error {
	cred, err := v.cipher.Seal([]byte(apiKey), v.now().Add(v.ttl))
	if err != nil {
		return fmt.Errorf("seal api key for run %d: %w", runID, err)
	}
	return v.AttachKeySource(ctx, runID, cred)
}

// AttachKeySource stores cred for the run unless one is already attached.
// It does nothing once the run's investigation has left PENDING.
func (v *KeySourceVault) AttachKeySource(ctx context.Context, runID int64, cred domain.EncryptedCredential) error {
	dropped := false
	err := v.store.InTx(ctx, func(tx repository.Tx) error {
		dropped = false
		inv, run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if inv.Status != domain.StatusPending {
			slog.DebugContext(ctx, "key source ignored, investigation not pending",
				"run_id", runID, "status", inv.Status)
			return nil
		}
		inserted, err := tx.InsertKeySource(ctx, domain.KeySource{
			RunID:               run.ID,
			EncryptedCredential: cred,
			CreatedAt:           v.now(),
		})
		if err != nil {
			return err
		}
		dropped = !inserted
		return nil
	})
	if err != nil {
		return fmt.Errorf("attach key source to run %d: %w", runID, err)
	}
	if dropped {
		metrics.KeySourcesDropped.Inc()
	}
	return nil
}

// LoadAPIKey decrypts the run's credential. It returns domain.ErrNotFound
// when the run has none or it has expired.
func (v *KeySourceVault) LoadAPIKey(ctx context.Context, runID int64) (string, error) {
	ks, err := v.store.GetKeySource(ctx, runID)
	if err != nil {
		return "", err
	}
	if ks.Expired(v.now()) {
		return "", fmt.Errorf("key source for run %d expired: %w", runID, domain.ErrNotFound)
	}
	plain, err := v.cipher.Open(ks.EncryptedCredential)
	if err != nil {
		return "", fmt.Errorf("open key source for run %d: %w", runID, err)
	}
	return string(plain), nil
}
