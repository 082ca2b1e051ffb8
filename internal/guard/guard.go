// Package guard is the façade the rest of the application talks to: login and
// logout flows, transparent access token refresh, and a consolidated security
// status. It composes the vault, the session registry, the event log, and the
// backend auth client.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"trustvault/internal/audit"
	"trustvault/internal/authapi"
	"trustvault/internal/notify"
	"trustvault/internal/session"
	"trustvault/internal/trust"
	"trustvault/internal/vault"
)

// ReauthMessage is the single user-facing message for every condition that
// forces reauthentication. Internal detail stays in the event log; the user
// sees one uniform prompt regardless of cause.
const ReauthMessage = "session expired, please sign in again"

// ErrReauthRequired is returned when an operation cannot proceed without a
// fresh login.
var ErrReauthRequired = errors.New(ReauthMessage)

// SecurityStatus is the consolidated trust posture of the current context.
type SecurityStatus struct {
	Authenticated   bool            `json:"authenticated"`
	TokenValid      bool            `json:"token_valid"`
	DeviceTrusted   bool            `json:"device_trusted"`
	Level           trust.RiskLevel `json:"level"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// Guard composes the credential subsystem behind a small surface.
type Guard struct {
	vault    *vault.Vault
	sessions *session.Registry
	events   *audit.Log
	api      authapi.Client
}

// New returns a Guard. api may be nil when no backend flows are needed
// (status-only consumers).
func New(v *vault.Vault, sessions *session.Registry, events *audit.Log, api authapi.Client) *Guard {
	return &Guard{vault: v, sessions: sessions, events: events, api: api}
}

// Login authenticates against the backend, stores the resulting tokens, and
// registers a session. The expiry embedded in a JWT access token takes
// precedence over the one the backend reported alongside it.
func (g *Guard) Login(ctx context.Context, creds authapi.Credentials) (*session.Session, error) {
	if g.api == nil {
		return nil, errors.New("guard: no auth client configured")
	}
	res, err := g.api.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("guard: login: %w", err)
	}
	tok := res.Tokens
	if exp, ok := authapi.TokenExpiry(tok.AccessToken); ok {
		tok.ExpiresAt = exp
	}
	if err := g.vault.StoreTokens(ctx, tok, res.Profile); err != nil {
		return nil, err
	}
	return g.sessions.CreateSession(ctx, sessionUserID(res))
}

// sessionUserID picks a non-secret identifier for the session record. The
// session table is an unencrypted shared slot, so the access token itself must
// never end up there.
func sessionUserID(res *authapi.LoginResult) string {
	if res.Profile != nil && res.Profile.ID != "" {
		return res.Profile.ID
	}
	if sub, ok := authapi.TokenSubject(res.Tokens.AccessToken); ok {
		return sub
	}
	return uuid.New().String()
}

// Logout revokes server-side best-effort, terminates the current session, and
// clears stored credentials. Local cleanup happens even when the backend call
// fails.
func (g *Guard) Logout(ctx context.Context) error {
	if access, ok := g.vault.AccessToken(); ok && g.api != nil {
		if err := g.api.Logout(ctx, access); err != nil {
			log.Printf("guard: server-side logout failed: %v", err)
		}
	}
	if cur, ok := g.sessions.Current(ctx); ok {
		if err := g.sessions.TerminateSession(ctx, cur.ID, "user logout"); err != nil {
			return err
		}
	}
	return g.vault.ClearTokens(ctx)
}

// AccessToken returns a valid access token, transparently refreshing through
// the backend when the in-memory one is gone. A failed refresh reports absent;
// the caller prompts for login.
func (g *Guard) AccessToken(ctx context.Context) (string, bool) {
	if tok, ok := g.vault.AccessToken(); ok {
		return tok, true
	}
	refresh, ok := g.vault.RefreshToken(ctx)
	if !ok || g.api == nil {
		return "", false
	}
	res, err := g.api.Refresh(ctx, refresh)
	if err != nil {
		log.Printf("guard: token refresh failed: %v", err)
		return "", false
	}
	tok := res.Tokens
	if exp, expOK := authapi.TokenExpiry(tok.AccessToken); expOK {
		tok.ExpiresAt = exp
	}
	if err := g.vault.StoreTokens(ctx, tok, res.Profile); err != nil {
		log.Printf("guard: storing refreshed tokens failed: %v", err)
		return "", false
	}
	return tok.AccessToken, true
}

// IsAuthenticated reports whether this context holds live or refreshable
// credentials.
func (g *Guard) IsAuthenticated(ctx context.Context) bool {
	if _, ok := g.vault.AccessToken(); ok {
		return true
	}
	_, ok := g.vault.RefreshToken(ctx)
	return ok
}

// ValidateSession runs the session validation chain now, mapping a forced
// reauthentication to ErrReauthRequired.
func (g *Guard) ValidateSession(ctx context.Context) (*session.ValidationOutcome, error) {
	out := g.sessions.ValidateCurrentSession(ctx)
	if out.RequiresReauth {
		return out, ErrReauthRequired
	}
	return out, nil
}

// SecurityEvents returns up to limit recent security events, newest first.
func (g *Guard) SecurityEvents(limit int) []audit.Event {
	if g.events == nil {
		return nil
	}
	return g.events.Query(limit)
}

// SecurityStatus reports the consolidated posture without side effects: no
// oracle calls, no events, no token refresh. Authenticated counts a stored
// refresh credential the same way IsAuthenticated does, checked by presence
// only so a damaged envelope is not purged here.
func (g *Guard) SecurityStatus(ctx context.Context) SecurityStatus {
	status := SecurityStatus{Level: trust.RiskLow}
	_, status.TokenValid = g.vault.AccessToken()
	cur, hasSession := g.sessions.Current(ctx)
	status.Authenticated = (status.TokenValid || g.vault.HasRefreshCredential(ctx)) && hasSession
	if hasSession {
		status.Level = cur.RiskLevel
	}
	status.Level = status.Level.AtLeast(g.sessions.LastKnownRisk())
	status.DeviceTrusted = hasSession && status.Level != trust.RiskHigh

	switch {
	case !status.Authenticated:
		status.Recommendations = append(status.Recommendations, ReauthMessage)
	case status.Level == trust.RiskHigh:
		status.Recommendations = append(status.Recommendations, ReauthMessage)
	case status.Level == trust.RiskMedium:
		status.Recommendations = append(status.Recommendations, "verify your recent account activity")
	}
	if g.vault.MemoryOnly() {
		status.Recommendations = append(status.Recommendations, "credentials will not survive a restart")
	}
	return status
}

// HandleSignal applies a cross-context notification from a sibling. Cleared
// tokens drop local in-memory state only; the sibling already cleared the
// shared slots.
func (g *Guard) HandleSignal(ctx context.Context, sig notify.Signal) {
	switch sig.Kind {
	case notify.KindTokenCleared:
		g.vault.DropLocal()
	case notify.KindTokenUpdated:
		// Nothing to drop: the next AccessToken call reads the shared slots.
	}
}
