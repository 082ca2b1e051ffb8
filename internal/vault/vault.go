package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trustvault/internal/audit"
	"trustvault/internal/security"
	"trustvault/internal/store"
	"trustvault/internal/trust"
)

// Sentinel errors for vault operations.
var (
	// ErrDeviceMismatch is returned when storing tokens for a device whose
	// fingerprint does not match the oracle's current one. The caller sits on
	// a fresh login and must be told immediately.
	ErrDeviceMismatch = errors.New("vault: cannot store tokens for an unverified device")
	// ErrOracleUnavailable is returned when the oracle cannot be reached
	// during a store, where proceeding unverified would be worse than failing.
	ErrOracleUnavailable = errors.New("vault: device trust oracle unavailable")
)

// Notifier receives credential lifecycle notifications for sibling contexts.
type Notifier interface {
	TokenUpdated(ctx context.Context)
	TokenCleared(ctx context.Context)
}

// Options tune vault behavior. Zero values select the defaults noted per field.
type Options struct {
	// BindFingerprint binds stored credentials to a device fingerprint.
	BindFingerprint bool
	// DevMode skips fingerprint validation; set only from explicit config.
	DevMode bool
	// MaxTokenAge bounds refresh envelope age; default 24h.
	MaxTokenAge time.Duration
	// DriftTolerance is the similarity floor below which a bound fingerprint
	// is considered diverged; default 0.8.
	DriftTolerance float64
	// OracleTimeout bounds a single oracle call; default 3s.
	OracleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxTokenAge <= 0 {
		o.MaxTokenAge = 24 * time.Hour
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = 0.8
	}
	if o.OracleTimeout <= 0 {
		o.OracleTimeout = 3 * time.Second
	}
	return o
}

// Vault owns the TokenRecord and ProfileCache. The access token lives only in
// vault memory; the refresh token and profile are persisted as encrypted
// envelopes in the durable tier, key material in the ephemeral tier. A
// persistence failure degrades the vault to memory-only operation for the
// remainder of the process rather than crashing.
type Vault struct {
	mu        sync.Mutex
	durable   store.Store
	ephemeral store.Store
	oracle    trust.Oracle
	events    *audit.Log
	signals   Notifier
	opts      Options

	accessToken     string
	tokenType       string
	accessExpiresAt time.Time

	keys *security.KeySet

	memoryOnly bool
	wroteOnce  bool
	memSlots   map[string]store.Record

	nowF func() time.Time
}

// New returns a Vault over the given tiers. ephemeral may equal durable when no
// separate short-lived tier exists. signals and events may be nil.
func New(durable, ephemeral store.Store, oracle trust.Oracle, events *audit.Log, signals Notifier, opts Options) *Vault {
	return &Vault{
		durable:   durable,
		ephemeral: ephemeral,
		oracle:    oracle,
		events:    events,
		signals:   signals,
		opts:      opts.withDefaults(),
		memSlots:  make(map[string]store.Record),
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// StoreTokens validates the device binding, keeps the access token in memory,
// and persists the refresh token and profile as separate encrypted envelopes.
// A fingerprint mismatch is a hard error; an encryption failure propagates
// because a secret that cannot be encrypted must never be stored.
func (v *Vault) StoreTokens(ctx context.Context, tok TokenRecord, profile *ProfileCache) error {
	fingerprint := tok.DeviceFingerprint
	if v.opts.BindFingerprint && !v.opts.DevMode {
		current, err := v.currentFingerprint(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		if fingerprint == "" {
			fingerprint = current.Value
		} else if !security.FingerprintEqual(fingerprint, current.Value) {
			return ErrDeviceMismatch
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.loadKeysLocked(ctx); err != nil {
		return err
	}

	refreshEnv, err := security.Encrypt([]byte(tok.RefreshToken), v.keys.Master, v.keys.Integrity, fingerprint)
	if err != nil {
		return err
	}
	refreshPayload, err := json.Marshal(refreshEnv)
	if err != nil {
		return fmt.Errorf("vault: marshal refresh envelope: %w", err)
	}
	v.putSlotLocked(ctx, v.durable, store.SlotRefreshCredential, refreshPayload)

	if profile != nil {
		plain, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("vault: marshal profile: %w", err)
		}
		profileEnv, err := security.Encrypt(plain, v.keys.Master, v.keys.Integrity, fingerprint)
		if err != nil {
			return err
		}
		profilePayload, err := json.Marshal(profileEnv)
		if err != nil {
			return fmt.Errorf("vault: marshal profile envelope: %w", err)
		}
		v.putSlotLocked(ctx, v.durable, store.SlotProfileCache, profilePayload)
	}

	if fingerprint != "" {
		fpPayload, _ := json.Marshal(fingerprintRecord{Fingerprint: fingerprint, CapturedAt: v.nowF()})
		v.putSlotLocked(ctx, v.durable, store.SlotDeviceFingerprint, fpPayload)
	}

	v.accessToken = tok.AccessToken
	v.tokenType = tok.TokenType
	v.accessExpiresAt = tok.ExpiresAt

	if v.signals != nil {
		v.signals.TokenUpdated(ctx)
	}
	return nil
}

// AccessToken returns the in-memory access token if present and unexpired.
// It never reads persistent storage: access tokens are not durable by design.
func (v *Vault) AccessToken() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.accessToken == "" || !v.accessExpiresAt.After(v.nowF()) {
		return "", false
	}
	return v.accessToken, true
}

// UpdateAccessToken replaces the in-memory access token and notifies sibling
// contexts. Nothing is persisted.
func (v *Vault) UpdateAccessToken(ctx context.Context, token string, expiresAt time.Time) {
	v.mu.Lock()
	v.accessToken = token
	v.accessExpiresAt = expiresAt
	v.mu.Unlock()
	if v.signals != nil {
		v.signals.TokenUpdated(ctx)
	}
}

// RefreshToken reads and decrypts the persisted refresh credential. Tampering,
// envelope age beyond MaxTokenAge, or fingerprint divergence purge all stored
// credentials and report absent; only oracle unavailability is tolerated
// without purging.
func (v *Vault) RefreshToken(ctx context.Context) (string, bool) {
	v.mu.Lock()
	rec := v.getSlotLocked(ctx, v.durable, store.SlotRefreshCredential)
	if rec == nil {
		v.mu.Unlock()
		return "", false
	}

	var env security.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		v.purgeLocked(ctx)
		v.mu.Unlock()
		v.appendEvent(ctx, audit.Event{
			Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskHigh,
			Details: map[string]any{"reason": "malformed refresh envelope"},
		})
		return "", false
	}

	now := v.nowF()
	if env.Age(now) > v.opts.MaxTokenAge {
		v.purgeLocked(ctx)
		v.mu.Unlock()
		v.appendEvent(ctx, audit.Event{
			Type: audit.EventSessionExpired, RiskLevel: trust.RiskLow,
			Details: map[string]any{"reason": "refresh envelope exceeded max age"},
		})
		return "", false
	}

	if err := v.loadKeysLocked(ctx); err != nil {
		v.mu.Unlock()
		return "", false
	}
	plaintext, ok := security.Decrypt(&env, v.keys.Master, v.keys.Integrity)
	if !ok {
		v.purgeLocked(ctx)
		v.mu.Unlock()
		v.appendEvent(ctx, audit.Event{
			Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskHigh,
			Details: map[string]any{"reason": "refresh envelope integrity check failed"},
		})
		return "", false
	}
	v.mu.Unlock()

	if v.opts.BindFingerprint && !v.opts.DevMode && env.DeviceFingerprint != "" {
		current, err := v.currentFingerprint(ctx)
		if err != nil {
			// Oracle unavailability alone never purges credentials.
			v.appendEvent(ctx, audit.Event{
				Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskMedium,
				Details: map[string]any{"reason": "oracle unavailable during refresh read"},
			})
			return string(plaintext), true
		}
		res, err := v.validateFingerprint(ctx, current.Value, env.DeviceFingerprint)
		if err != nil {
			v.appendEvent(ctx, audit.Event{
				Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskMedium,
				Details: map[string]any{"reason": "oracle unavailable during refresh read"},
			})
			return string(plaintext), true
		}
		if !res.IsValid || res.Similarity < v.opts.DriftTolerance {
			v.mu.Lock()
			v.purgeLocked(ctx)
			v.mu.Unlock()
			v.appendEvent(ctx, audit.Event{
				Type: audit.EventDeviceChange, RiskLevel: trust.RiskHigh,
				DeviceFingerprint: current.Value,
				Details:           map[string]any{"similarity": res.Similarity},
			})
			return "", false
		}
	}

	return string(plaintext), true
}

// Profile returns the decrypted profile cache. A damaged cache is dropped and
// reported absent; credentials are untouched since the cache is not a secret.
func (v *Vault) Profile(ctx context.Context) (*ProfileCache, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.getSlotLocked(ctx, v.durable, store.SlotProfileCache)
	if rec == nil {
		return nil, false
	}
	var env security.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		v.deleteSlotLocked(ctx, v.durable, store.SlotProfileCache)
		return nil, false
	}
	if err := v.loadKeysLocked(ctx); err != nil {
		return nil, false
	}
	plain, ok := security.Decrypt(&env, v.keys.Master, v.keys.Integrity)
	if !ok {
		v.deleteSlotLocked(ctx, v.durable, store.SlotProfileCache)
		return nil, false
	}
	var p ProfileCache
	if err := json.Unmarshal(plain, &p); err != nil {
		v.deleteSlotLocked(ctx, v.durable, store.SlotProfileCache)
		return nil, false
	}
	return &p, true
}

// StoredFingerprint returns the bound device fingerprint, if any.
func (v *Vault) StoredFingerprint(ctx context.Context) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.getSlotLocked(ctx, v.durable, store.SlotDeviceFingerprint)
	if rec == nil {
		return "", false
	}
	var fp fingerprintRecord
	if err := json.Unmarshal(rec.Payload, &fp); err != nil || fp.Fingerprint == "" {
		return "", false
	}
	return fp.Fingerprint, true
}

// ClearTokens wipes the credential and profile slots and the in-memory token,
// then notifies sibling contexts. Used for ordinary logout.
func (v *Vault) ClearTokens(ctx context.Context) error {
	v.mu.Lock()
	v.purgeLocked(ctx)
	v.mu.Unlock()
	if v.signals != nil {
		v.signals.TokenCleared(ctx)
	}
	return nil
}

// ClearAllData is ClearTokens plus wiping the bound fingerprint and all derived
// key material, forcing fresh key generation on next use. For suspected
// compromise, not ordinary logout.
func (v *Vault) ClearAllData(ctx context.Context) error {
	v.mu.Lock()
	v.purgeLocked(ctx)
	v.deleteSlotLocked(ctx, v.durable, store.SlotDeviceFingerprint)
	v.deleteSlotLocked(ctx, v.ephemeral, store.SlotMasterKey)
	v.deleteSlotLocked(ctx, v.ephemeral, store.SlotIntegrityKey)
	if v.keys != nil {
		v.keys.Wipe()
		v.keys = nil
	}
	v.mu.Unlock()
	if v.signals != nil {
		v.signals.TokenCleared(ctx)
	}
	return nil
}

// DropLocal clears the in-memory access token without touching persistent
// storage or re-publishing. Called when a sibling context signals termination:
// the sibling already cleared the shared slots.
func (v *Vault) DropLocal() {
	v.mu.Lock()
	v.accessToken = ""
	v.tokenType = ""
	v.accessExpiresAt = time.Time{}
	v.mu.Unlock()
}

// MemoryOnly reports whether the vault has degraded to memory-only operation.
// HasRefreshCredential reports whether an encrypted refresh credential is
// stored, without decrypting or validating it. Damage is only discovered (and
// purged) on the next RefreshToken call, which keeps this safe for status
// reporting.
func (v *Vault) HasRefreshCredential(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getSlotLocked(ctx, v.durable, store.SlotRefreshCredential) != nil
}

func (v *Vault) MemoryOnly() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.memoryOnly
}

func (v *Vault) purgeLocked(ctx context.Context) {
	v.deleteSlotLocked(ctx, v.durable, store.SlotRefreshCredential)
	v.deleteSlotLocked(ctx, v.durable, store.SlotProfileCache)
	v.accessToken = ""
	v.tokenType = ""
	v.accessExpiresAt = time.Time{}
}

// loadKeysLocked loads or generates the key set. Seeds live in the ephemeral
// tier; missing or undecodable seeds mean fresh generation.
func (v *Vault) loadKeysLocked(ctx context.Context) error {
	if v.keys != nil {
		return nil
	}
	masterRec := v.getSlotLocked(ctx, v.ephemeral, store.SlotMasterKey)
	integrityRec := v.getSlotLocked(ctx, v.ephemeral, store.SlotIntegrityKey)
	if masterRec != nil && integrityRec != nil {
		master, merr := security.DecodeSeed(masterRec.Payload)
		integrity, ierr := security.DecodeSeed(integrityRec.Payload)
		if merr == nil && ierr == nil {
			v.keys = &security.KeySet{Master: master, Integrity: integrity}
			return nil
		}
	}
	ks, err := security.NewKeySet()
	if err != nil {
		return fmt.Errorf("vault: generate key material: %w", err)
	}
	v.putSlotLocked(ctx, v.ephemeral, store.SlotMasterKey, security.EncodeSeed(ks.Master))
	v.putSlotLocked(ctx, v.ephemeral, store.SlotIntegrityKey, security.EncodeSeed(ks.Integrity))
	v.keys = ks
	return nil
}

// getSlotLocked reads a slot, degrading to the in-memory mirror on store failure.
func (v *Vault) getSlotLocked(ctx context.Context, st store.Store, slot string) *store.Record {
	if v.memoryOnly || st == nil {
		if rec, ok := v.memSlots[slot]; ok {
			cp := rec
			return &cp
		}
		return nil
	}
	rec, err := st.Get(ctx, slot)
	if err != nil {
		v.degradeLocked(ctx, err)
		if mrec, ok := v.memSlots[slot]; ok {
			cp := mrec
			return &cp
		}
		return nil
	}
	if rec != nil {
		// Mirror reads so a later degradation retains the freshest view.
		v.memSlots[slot] = *rec
	}
	return rec
}

// putSlotLocked writes a slot. On store failure the vault degrades but the
// write still lands in the memory mirror, so the current process keeps working.
func (v *Vault) putSlotLocked(ctx context.Context, st store.Store, slot string, payload []byte) {
	v.memSlots[slot] = store.Record{Payload: payload, UpdatedAt: v.nowF()}
	if v.memoryOnly || st == nil {
		return
	}
	if err := st.Put(ctx, slot, payload); err != nil {
		v.degradeLocked(ctx, err)
		return
	}
	v.wroteOnce = true
}

func (v *Vault) deleteSlotLocked(ctx context.Context, st store.Store, slot string) {
	delete(v.memSlots, slot)
	if v.memoryOnly || st == nil {
		return
	}
	if err := st.Delete(ctx, slot); err != nil {
		v.degradeLocked(ctx, err)
	}
}

// degradeLocked switches the vault to memory-only operation for the remainder
// of the process. A failure after a prior successful write may indicate
// tampering and is recorded as a security event; otherwise it is ordinary
// unavailability.
func (v *Vault) degradeLocked(ctx context.Context, cause error) {
	if v.memoryOnly {
		return
	}
	v.memoryOnly = true
	if v.wroteOnce {
		v.appendEvent(ctx, audit.Event{
			Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskMedium,
			Details: map[string]any{"reason": "storage failed after successful writes", "error": cause.Error()},
		})
	} else {
		log.Printf("vault: storage unavailable, continuing memory-only: %v", cause)
	}
}

func (v *Vault) appendEvent(ctx context.Context, e audit.Event) {
	if v.events != nil {
		v.events.Append(ctx, e)
	}
}

func (v *Vault) currentFingerprint(ctx context.Context) (*trust.Fingerprint, error) {
	if v.oracle == nil {
		return nil, errors.New("vault: no oracle configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.opts.OracleTimeout)
	defer cancel()
	return v.oracle.GenerateFingerprint(ctx)
}

func (v *Vault) validateFingerprint(ctx context.Context, current, stored string) (*trust.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.OracleTimeout)
	defer cancel()
	return v.oracle.ValidateFingerprint(ctx, current, stored)
}
