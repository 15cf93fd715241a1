// Package vault issues, verifies, recovers, and rotates per-instance agent
// access credentials.
//
// Each credential is stored in two independent forms derived from the same
// plaintext: a bcrypt hash (verification only) and an AES-GCM ciphertext
// under the process master key (audited recovery only). The plaintext is
// returned exactly once at issuance or rotation and never persisted.
//
// Verify and Rotate are serialized per instance so a rotation racing a
// verification can never observe a half-swapped credential pair.
package vault

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Directory is the tenant/admin-role collaborator the vault consults for
// privileged operations. Declared here (not imported from pkg/contracts) to
// keep the dependency arrow pointing outward.
type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	IsAdmin(ctx context.Context, tenantID, actor string) (bool, error)
}

// lockStripes bounds the per-instance mutex table. Instance IDs hash onto a
// fixed stripe set; collisions only cost unnecessary serialization.
const lockStripes = 64

// Vault is the credential vault.
type Vault struct {
	store      store.Store
	directory  Directory
	master     cipher.AEAD
	bcryptCost int

	// invalidate is called with the owning tenant ID before any mutating
	// operation returns success, keeping the tenant config cache coherent.
	// Set at wiring time; nil is a no-op.
	invalidate func(tenantID string)

	locks [lockStripes]sync.Mutex
}

// New creates a Vault. masterKeyB64 is the base64-encoded 32-byte master
// key; empty selects an ephemeral key (recovery will not survive restarts).
func New(s store.Store, dir Directory, masterKeyB64 string, bcryptCost int) (*Vault, error) {
	aead, err := newMasterCipher(masterKeyB64)
	if err != nil {
		return nil, err
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Vault{
		store:      s,
		directory:  dir,
		master:     aead,
		bcryptCost: bcryptCost,
	}, nil
}

// SetInvalidator registers the cache-invalidation hook called on every
// credential or configuration mutation.
func (v *Vault) SetInvalidator(fn func(tenantID string)) { v.invalidate = fn }

func (v *Vault) lockFor(instanceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return &v.locks[h.Sum32()%lockStripes]
}

// ── Issue ───────────────────────────────────────────────────

// Issue provisions a new ACTIVE agent instance for the tenant and returns
// the instance together with the plaintext credential. The plaintext is
// returned exactly once; only the hash and the sealed copy are persisted.
//
// Policy: one non-disabled instance per (tenant, agent type). A second
// issue without disabling the first fails with ErrConflict.
func (v *Vault) Issue(ctx context.Context, tenantID, agentType string, cfg models.AgentConfig, actor string) (*models.AgentInstance, string, error) {
	if agentType == "" {
		agentType = "assistant"
	}

	if _, err := v.directory.GetTenant(ctx, tenantID); err != nil {
		return nil, "", err
	}
	if ok, err := v.directory.IsAdmin(ctx, tenantID, actor); err != nil {
		return nil, "", err
	} else if !ok {
		v.audit(ctx, tenantID, actor, "credential.issue", "", "forbidden", nil)
		return nil, "", fmt.Errorf("issue requires tenant admin: %w", models.ErrForbidden)
	}

	if _, err := v.store.GetActiveInstance(ctx, tenantID, agentType); err == nil {
		v.audit(ctx, tenantID, actor, "credential.issue", "", "conflict", nil)
		return nil, "", fmt.Errorf("tenant %s already has an active %s instance: %w", tenantID, agentType, models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, "", err
	}

	inst, plaintext, err := v.mint(tenantID, agentType, cfg)
	if err != nil {
		v.audit(ctx, tenantID, actor, "credential.issue", "", "error", map[string]string{"error": err.Error()})
		return nil, "", err
	}

	if err := v.store.CreateInstance(ctx, inst); err != nil {
		v.audit(ctx, tenantID, actor, "credential.issue", inst.ID, "error", map[string]string{"error": err.Error()})
		return nil, "", err
	}

	v.audit(ctx, tenantID, actor, "credential.issue", inst.ID, "ok", nil)
	v.invalidateTenant(tenantID)

	log.Info().Str("tenant", tenantID).Str("instance", inst.ID).Msg("Credential issued")
	return inst, plaintext, nil
}

// mint builds a fresh instance record with both credential forms computed
// before anything is persisted: a crypto failure aborts wholesale, so a
// record with only one of the pair can never exist.
func (v *Vault) mint(tenantID, agentType string, cfg models.AgentConfig) (*models.AgentInstance, string, error) {
	plaintext, err := generateCredential()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("credential hash: %w", err)
	}
	sealed, err := sealCredential(v.master, plaintext)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	return &models.AgentInstance{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		AgentType:           agentType,
		Config:              cfg,
		Status:              models.InstanceActive,
		CredentialHash:      string(hash),
		CredentialEncrypted: sealed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, plaintext, nil
}

// ── Verify ──────────────────────────────────────────────────

// Verify checks a presented plaintext against the instance's stored hash
// and returns the verified instance on success. Wrong credential and
// disabled instance both surface as ErrAuthFailure: the distinction lives
// only in the audit trail, never in the response.
func (v *Vault) Verify(ctx context.Context, instanceID, plaintext string) (*models.AgentInstance, error) {
	mu := v.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := v.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("unknown instance: %w", models.ErrAuthFailure)
		}
		return nil, err
	}

	if inst.Status != models.InstanceActive {
		v.audit(ctx, inst.TenantID, "instance:"+instanceID, "credential.verify", instanceID, "denied",
			map[string]string{"reason": "instance not active", "status": string(inst.Status)})
		return nil, models.ErrAuthFailure
	}

	if err := bcrypt.CompareHashAndPassword([]byte(inst.CredentialHash), []byte(plaintext)); err != nil {
		v.audit(ctx, inst.TenantID, "instance:"+instanceID, "credential.verify", instanceID, "denied",
			map[string]string{"reason": "credential mismatch"})
		return nil, models.ErrAuthFailure
	}

	now := time.Now().UTC()
	inst.LastUsedAt = &now
	if err := v.store.UpdateInstance(ctx, inst); err != nil {
		// Verification itself succeeded; a failed last-used update is not
		// a reason to reject the caller.
		log.Warn().Err(err).Str("instance", instanceID).Msg("Failed to update last-used timestamp")
	}

	return inst, nil
}

// ── Recover ─────────────────────────────────────────────────

// Recover decrypts the stored credential copy for legitimate multi-device
// use. Admin-only, always audited. A master-key mismatch is reported as
// ErrDecryption, never silently recovered.
func (v *Vault) Recover(ctx context.Context, instanceID, actor string) (string, error) {
	inst, err := v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}

	if ok, err := v.directory.IsAdmin(ctx, inst.TenantID, actor); err != nil {
		return "", err
	} else if !ok {
		v.audit(ctx, inst.TenantID, actor, "credential.recover", instanceID, "forbidden", nil)
		return "", fmt.Errorf("recover requires tenant admin: %w", models.ErrForbidden)
	}

	plaintext, err := openCredential(v.master, inst.CredentialEncrypted)
	if err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.recover", instanceID, "error",
			map[string]string{"error": "master key mismatch"})
		return "", err
	}

	v.audit(ctx, inst.TenantID, actor, "credential.recover", instanceID, "ok", nil)
	return plaintext, nil
}

// ── Rotate ──────────────────────────────────────────────────

// Rotate replaces both stored credential forms atomically and returns the
// new plaintext. The old plaintext stops verifying the moment Rotate
// returns; there is no grace period.
func (v *Vault) Rotate(ctx context.Context, instanceID, actor string) (string, error) {
	inst, err := v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if ok, err := v.directory.IsAdmin(ctx, inst.TenantID, actor); err != nil {
		return "", err
	} else if !ok {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "forbidden", nil)
		return "", fmt.Errorf("rotate requires tenant admin: %w", models.ErrForbidden)
	}

	mu := v.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent disable or rotate may have
	// landed between the admin check and here.
	inst, err = v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status == models.InstanceDisabled {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "conflict",
			map[string]string{"reason": "instance disabled"})
		return "", fmt.Errorf("cannot rotate a disabled instance: %w", models.ErrConflict)
	}

	plaintext, err := generateCredential()
	if err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "error", map[string]string{"error": err.Error()})
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.bcryptCost)
	if err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "error", map[string]string{"error": err.Error()})
		return "", fmt.Errorf("credential hash: %w", err)
	}
	sealed, err := sealCredential(v.master, plaintext)
	if err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "error", map[string]string{"error": err.Error()})
		return "", err
	}

	inst.CredentialHash = string(hash)
	inst.CredentialEncrypted = sealed
	inst.Status = models.InstanceActive
	if err := v.store.UpdateInstance(ctx, inst); err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "error", map[string]string{"error": err.Error()})
		return "", err
	}

	v.audit(ctx, inst.TenantID, actor, "credential.rotate", instanceID, "ok", nil)
	v.invalidateTenant(inst.TenantID)

	log.Info().Str("tenant", inst.TenantID).Str("instance", instanceID).Msg("Credential rotated")
	return plaintext, nil
}

// ── Disable ─────────────────────────────────────────────────

// Disable soft-deletes the instance: status moves to DISABLED, the record
// stays for audit continuity, and the credential stops verifying.
func (v *Vault) Disable(ctx context.Context, instanceID, actor string) error {
	inst, err := v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if ok, err := v.directory.IsAdmin(ctx, inst.TenantID, actor); err != nil {
		return err
	} else if !ok {
		v.audit(ctx, inst.TenantID, actor, "credential.disable", instanceID, "forbidden", nil)
		return fmt.Errorf("disable requires tenant admin: %w", models.ErrForbidden)
	}

	mu := v.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err = v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.Status = models.InstanceDisabled
	if err := v.store.UpdateInstance(ctx, inst); err != nil {
		v.audit(ctx, inst.TenantID, actor, "credential.disable", instanceID, "error", map[string]string{"error": err.Error()})
		return err
	}

	v.audit(ctx, inst.TenantID, actor, "credential.disable", instanceID, "ok", nil)
	v.invalidateTenant(inst.TenantID)
	return nil
}

// ── Config Update ───────────────────────────────────────────

// UpdateConfig replaces the instance's AI provider configuration wholesale.
// Admin-only; invalidates the tenant config cache before returning.
func (v *Vault) UpdateConfig(ctx context.Context, instanceID string, cfg models.AgentConfig, actor string) (*models.AgentInstance, error) {
	inst, err := v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if ok, err := v.directory.IsAdmin(ctx, inst.TenantID, actor); err != nil {
		return nil, err
	} else if !ok {
		v.audit(ctx, inst.TenantID, actor, "instance.update", instanceID, "forbidden", nil)
		return nil, fmt.Errorf("config update requires tenant admin: %w", models.ErrForbidden)
	}

	mu := v.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err = v.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst.Config = cfg
	if err := v.store.UpdateInstance(ctx, inst); err != nil {
		v.audit(ctx, inst.TenantID, actor, "instance.update", instanceID, "error", map[string]string{"error": err.Error()})
		return nil, err
	}

	v.audit(ctx, inst.TenantID, actor, "instance.update", instanceID, "ok", nil)
	v.invalidateTenant(inst.TenantID)
	return inst, nil
}

// ── Helpers ─────────────────────────────────────────────────

func (v *Vault) invalidateTenant(tenantID string) {
	if v.invalidate != nil {
		v.invalidate(tenantID)
	}
}

func (v *Vault) audit(ctx context.Context, tenantID, actor, action, resourceID, outcome string, detail map[string]string) {
	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		Resource:   "agent_instance",
		ResourceID: resourceID,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := v.store.AppendAudit(ctx, ev); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Audit append failed")
	}
}
