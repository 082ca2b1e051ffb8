package vault

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"trustvault/internal/audit"
	"trustvault/internal/security"
	"trustvault/internal/store"
	"trustvault/internal/store/memory"
	"trustvault/internal/trust"
)

type fakeOracle struct {
	fp         string
	valid      bool
	similarity float64
	genErr     error
	valErr     error
}

func (f *fakeOracle) GenerateFingerprint(ctx context.Context) (*trust.Fingerprint, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &trust.Fingerprint{Value: f.fp, CapturedAt: time.Now().UTC()}, nil
}

func (f *fakeOracle) ValidateFingerprint(ctx context.Context, current, stored string) (*trust.ValidationResult, error) {
	if f.valErr != nil {
		return nil, f.valErr
	}
	return &trust.ValidationResult{IsValid: f.valid, Similarity: f.similarity}, nil
}

func (f *fakeOracle) AssessDeviceRisk(ctx context.Context, deviceInfo map[string]any) (*trust.Assessment, error) {
	return &trust.Assessment{Recommendation: trust.RecommendAllow, RiskLevel: trust.RiskLow}, nil
}

type recordingNotifier struct {
	updated int
	cleared int
}

func (r *recordingNotifier) TokenUpdated(ctx context.Context) { r.updated++ }
func (r *recordingNotifier) TokenCleared(ctx context.Context) { r.cleared++ }

func newTestVault(t *testing.T, oracle trust.Oracle, opts Options) (*Vault, *memory.Store, *audit.Log, *recordingNotifier) {
	t.Helper()
	st := memory.New()
	events := audit.NewLog(nil, 100, nil)
	n := &recordingNotifier{}
	v := New(st, st, oracle, events, n, opts)
	return v, st, events, n
}

func validRecord() TokenRecord {
	return TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		TokenType:    "Bearer",
		IssuedAt:     time.Now().UTC(),
	}
}

func TestVault_StoreAndGetAccessToken(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, _, _, n := newTestVault(t, oracle, Options{BindFingerprint: true})

	if err := v.StoreTokens(context.Background(), validRecord(), &ProfileCache{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("StoreTokens: %v", err)
	}
	got, ok := v.AccessToken()
	if !ok || got != "access-1" {
		t.Errorf("AccessToken = %q, %v", got, ok)
	}
	if n.updated != 1 {
		t.Errorf("token-updated notifications = %d, want 1", n.updated)
	}
}

func TestVault_AccessTokenExpires(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, _, _, _ := newTestVault(t, oracle, Options{})

	rec := validRecord()
	if err := v.StoreTokens(context.Background(), rec, nil); err != nil {
		t.Fatal(err)
	}
	v.nowF = func() time.Time { return rec.ExpiresAt.Add(time.Second) }
	if _, ok := v.AccessToken(); ok {
		t.Error("expired access token reported present")
	}
}

func TestVault_AccessTokenNeverPersisted(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	for _, slot := range []string{
		store.SlotRefreshCredential, store.SlotProfileCache, store.SlotDeviceFingerprint,
		store.SlotMasterKey, store.SlotIntegrityKey,
	} {
		rec, err := st.Get(context.Background(), slot)
		if err != nil || rec == nil {
			continue
		}
		if strings.Contains(string(rec.Payload), "access-1") {
			t.Errorf("access token leaked into slot %s", slot)
		}
		if strings.Contains(string(rec.Payload), "refresh-1") {
			t.Errorf("plaintext refresh token leaked into slot %s", slot)
		}
	}
}

func TestVault_RefreshTokenRoundTrip(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, _, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	got, ok := v.RefreshToken(context.Background())
	if !ok || got != "refresh-1" {
		t.Errorf("RefreshToken = %q, %v", got, ok)
	}
}

func TestVault_StoreRejectsUnverifiedDevice(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-current", valid: true, similarity: 1}
	v, _, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	rec := validRecord()
	rec.DeviceFingerprint = "fp-other"
	err := v.StoreTokens(context.Background(), rec, nil)
	if !errors.Is(err, ErrDeviceMismatch) {
		t.Errorf("err = %v, want ErrDeviceMismatch", err)
	}
}

func TestVault_StoreOracleDownIsHardError(t *testing.T) {
	oracle := &fakeOracle{genErr: errors.New("dial timeout")}
	v, _, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	err := v.StoreTokens(context.Background(), validRecord(), nil)
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Errorf("err = %v, want ErrOracleUnavailable", err)
	}
}

func TestVault_DevModeSkipsBinding(t *testing.T) {
	oracle := &fakeOracle{genErr: errors.New("should not be called")}
	v, _, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true, DevMode: true})
	rec := validRecord()
	rec.DeviceFingerprint = "anything"
	if err := v.StoreTokens(context.Background(), rec, nil); err != nil {
		t.Fatalf("StoreTokens in dev mode: %v", err)
	}
}

func TestVault_TamperedEnvelopePurges(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, events, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}

	// An attacker with store access flips one ciphertext byte.
	rec, err := st.Get(context.Background(), store.SlotRefreshCredential)
	if err != nil || rec == nil {
		t.Fatal("refresh slot missing")
	}
	var env security.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		t.Fatal(err)
	}
	env.Ciphertext[0] ^= 0x01
	mangled, _ := json.Marshal(&env)
	if err := st.Put(context.Background(), store.SlotRefreshCredential, mangled); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.RefreshToken(context.Background()); ok {
		t.Fatal("tampered refresh token surfaced as valid")
	}
	if rec, _ := st.Get(context.Background(), store.SlotRefreshCredential); rec != nil {
		t.Error("credential slot not purged after tamper")
	}
	if _, ok := v.AccessToken(); ok {
		t.Error("access token survives credential purge")
	}

	got := events.Query(0)
	found := false
	for _, e := range got {
		if e.Type == audit.EventSuspiciousActivity {
			found = true
		}
	}
	if !found {
		t.Error("no suspicious_activity event after tamper")
	}
}

func TestVault_ExpiredEnvelopePurges(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, _ := newTestVault(t, oracle, Options{MaxTokenAge: time.Hour})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	v.nowF = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, ok := v.RefreshToken(context.Background()); ok {
		t.Fatal("expired envelope surfaced as valid")
	}
	if rec, _ := st.Get(context.Background(), store.SlotRefreshCredential); rec != nil {
		t.Error("credential slot not purged after expiry")
	}
}

func TestVault_FingerprintDivergencePurges(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, _ := newTestVault(t, oracle, Options{BindFingerprint: true, DriftTolerance: 0.8})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	oracle.valid = true
	oracle.similarity = 0.5 // beyond tolerance
	if _, ok := v.RefreshToken(context.Background()); ok {
		t.Fatal("diverged device still got refresh token")
	}
	if rec, _ := st.Get(context.Background(), store.SlotRefreshCredential); rec != nil {
		t.Error("credential slot not purged after divergence")
	}
}

func TestVault_OracleDownOnReadDoesNotPurge(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, _, events, _ := newTestVault(t, oracle, Options{BindFingerprint: true})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	oracle.genErr = errors.New("oracle down")
	got, ok := v.RefreshToken(context.Background())
	if !ok || got != "refresh-1" {
		t.Errorf("RefreshToken with oracle down = %q, %v; want token", got, ok)
	}
	found := false
	for _, e := range events.Query(0) {
		if e.Type == audit.EventSuspiciousActivity && e.RiskLevel == trust.RiskMedium {
			found = true
		}
	}
	if !found {
		t.Error("oracle unavailability not recorded as medium-risk event")
	}
}

func TestVault_ClearTokens(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, n := newTestVault(t, oracle, Options{})
	if err := v.StoreTokens(context.Background(), validRecord(), &ProfileCache{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := v.ClearTokens(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.AccessToken(); ok {
		t.Error("access token survives ClearTokens")
	}
	if rec, _ := st.Get(context.Background(), store.SlotRefreshCredential); rec != nil {
		t.Error("refresh slot survives ClearTokens")
	}
	if rec, _ := st.Get(context.Background(), store.SlotProfileCache); rec != nil {
		t.Error("profile slot survives ClearTokens")
	}
	// Fingerprint and key material survive ordinary logout.
	if rec, _ := st.Get(context.Background(), store.SlotMasterKey); rec == nil {
		t.Error("key material should survive ClearTokens")
	}
	if n.cleared != 1 {
		t.Errorf("token-cleared notifications = %d, want 1", n.cleared)
	}
}

func TestVault_ClearAllDataWipesKeys(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, _ := newTestVault(t, oracle, Options{})
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatal(err)
	}
	if err := v.ClearAllData(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, slot := range []string{store.SlotMasterKey, store.SlotIntegrityKey, store.SlotDeviceFingerprint} {
		if rec, _ := st.Get(context.Background(), slot); rec != nil {
			t.Errorf("slot %s survives ClearAllData", slot)
		}
	}
	// Next store generates fresh key material.
	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatalf("StoreTokens after full reset: %v", err)
	}
	if rec, _ := st.Get(context.Background(), store.SlotMasterKey); rec == nil {
		t.Error("key material not regenerated after full reset")
	}
}

type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, slot string) (*store.Record, error) {
	return nil, store.ErrUnavailable
}
func (brokenStore) Put(ctx context.Context, slot string, payload []byte) error {
	return store.ErrUnavailable
}
func (brokenStore) Delete(ctx context.Context, slot string) error { return store.ErrUnavailable }

func TestVault_DegradesToMemoryOnly(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	events := audit.NewLog(nil, 100, nil)
	v := New(brokenStore{}, brokenStore{}, oracle, events, nil, Options{})

	if err := v.StoreTokens(context.Background(), validRecord(), nil); err != nil {
		t.Fatalf("StoreTokens with broken store: %v", err)
	}
	if !v.MemoryOnly() {
		t.Error("vault did not degrade to memory-only")
	}
	// The process keeps a working vault.
	if got, ok := v.AccessToken(); !ok || got != "access-1" {
		t.Errorf("AccessToken after degrade = %q, %v", got, ok)
	}
	if got, ok := v.RefreshToken(context.Background()); !ok || got != "refresh-1" {
		t.Errorf("RefreshToken after degrade = %q, %v", got, ok)
	}
}

func TestVault_UpdateAccessToken(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, st, _, n := newTestVault(t, oracle, Options{})
	v.UpdateAccessToken(context.Background(), "access-2", time.Now().UTC().Add(time.Hour))
	got, ok := v.AccessToken()
	if !ok || got != "access-2" {
		t.Errorf("AccessToken = %q, %v", got, ok)
	}
	if n.updated != 1 {
		t.Errorf("notifications = %d, want 1", n.updated)
	}
	if rec, _ := st.Get(context.Background(), store.SlotRefreshCredential); rec != nil {
		t.Error("UpdateAccessToken must not persist anything")
	}
}

func TestVault_ProfileRoundTrip(t *testing.T) {
	oracle := &fakeOracle{fp: "fp-1", valid: true, similarity: 1}
	v, _, _, _ := newTestVault(t, oracle, Options{})
	profile := &ProfileCache{ID: "u1", Email: "u1@example.com", Name: "User One", EmailVerified: true}
	if err := v.StoreTokens(context.Background(), validRecord(), profile); err != nil {
		t.Fatal(err)
	}
	got, ok := v.Profile(context.Background())
	if !ok {
		t.Fatal("Profile absent")
	}
	if got.ID != "u1" || got.Email != "u1@example.com" || !got.EmailVerified {
		t.Errorf("Profile = %+v", got)
	}
}
