package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustvault/internal/audit"
	"trustvault/internal/store"
	"trustvault/internal/trust"
)

// Options tune the registry. Zero values select the defaults noted per field.
type Options struct {
	// MaxActive caps concurrently active sessions per user; default 3.
	MaxActive int
	// MaxInactivity is the idle window before a session expires; default 30m.
	MaxInactivity time.Duration
	// ValidateInterval is the periodic validation cadence; default 5m.
	ValidateInterval time.Duration
	// DriftTolerance is the fingerprint similarity floor; default 0.8.
	DriftTolerance float64
	// OracleTimeout bounds a single oracle call; default 3s.
	OracleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxActive <= 0 {
		o.MaxActive = 3
	}
	if o.MaxInactivity <= 0 {
		o.MaxInactivity = 30 * time.Minute
	}
	if o.ValidateInterval <= 0 {
		o.ValidateInterval = 5 * time.Minute
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = 0.8
	}
	if o.OracleTimeout <= 0 {
		o.OracleTimeout = 3 * time.Second
	}
	return o
}

// ValidationOutcome is the result of validating the current session.
type ValidationOutcome struct {
	IsValid        bool
	RiskLevel      trust.RiskLevel
	Reasons        []string
	RequiresReauth bool
	DeviceChanged  bool
}

// Registry owns the session table for one context: creation under the
// concurrency cap, activity tracking, periodic trust validation, and
// termination. The table is shared across contexts through the store slot;
// concurrent writers resolve by freshest LastActivity.
type Registry struct {
	mu     sync.Mutex
	store  store.Store
	oracle trust.Oracle
	events *audit.Log
	opts   Options

	sessions  map[string]*Session
	currentID string
	loaded    bool

	lastKnownRisk trust.RiskLevel

	handlers  map[int]func()
	nextHndlr int

	stopCh    chan struct{}
	destroyed bool

	nowF func() time.Time
}

// NewRegistry returns a Registry over the given store and oracle. st may be nil
// for a memory-only table; events may be nil.
func NewRegistry(st store.Store, oracle trust.Oracle, events *audit.Log, opts Options) *Registry {
	return &Registry{
		store:         st,
		oracle:        oracle,
		events:        events,
		opts:          opts.withDefaults(),
		sessions:      make(map[string]*Session),
		lastKnownRisk: trust.RiskLow,
		handlers:      make(map[int]func()),
		stopCh:        make(chan struct{}),
		nowF:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession registers a new session for userID, evicting the
// least-recently-active session when the cap is reached. The new session is
// fingerprinted and risk-assessed through the oracle; an unreachable oracle
// degrades to the last known risk floored at medium rather than failing login.
func (r *Registry) CreateSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: empty user id")
	}

	fingerprint := ""
	risk := trust.RiskLow
	var reasons []string
	fp, err := r.generateFingerprint(ctx)
	if err != nil {
		r.mu.Lock()
		risk = r.lastKnownRisk.AtLeast(trust.RiskMedium)
		r.mu.Unlock()
		reasons = append(reasons, "oracle unavailable at session creation")
		r.appendEvent(ctx, audit.Event{
			Type: audit.EventSuspiciousActivity, RiskLevel: trust.RiskMedium,
			Details: map[string]any{"reason": "oracle unavailable at session creation"},
		})
	} else {
		fingerprint = fp.Value
		assessment, aerr := r.assessRisk(ctx, fp.DeviceInfo)
		if aerr != nil {
			r.mu.Lock()
			risk = r.lastKnownRisk.AtLeast(trust.RiskMedium)
			r.mu.Unlock()
			reasons = append(reasons, "oracle unavailable at session creation")
		} else {
			risk = assessment.RiskLevel
			reasons = append(reasons, assessment.Reasons...)
		}
	}

	now := r.nowF()
	s := &Session{
		ID:                uuid.New().String(),
		UserID:            userID,
		DeviceFingerprint: fingerprint,
		CreatedAt:         now,
		LastActivity:      now,
		RiskLevel:         risk,
		MaxInactivity:     r.opts.MaxInactivity,
		State:             StateActive,
	}

	var evicted []*Session
	r.mu.Lock()
	r.loadLocked(ctx)
	evicted = r.evictOverCapLocked(userID)
	r.sessions[s.ID] = s
	r.currentID = s.ID
	r.lastKnownRisk = risk
	r.persistLocked(ctx)
	r.mu.Unlock()

	for _, old := range evicted {
		r.appendEvent(ctx, audit.Event{
			Type: audit.EventConcurrentSession, SessionID: old.ID,
			DeviceFingerprint: old.DeviceFingerprint, RiskLevel: trust.RiskLow,
			Details: map[string]any{"reason": "session cap reached, least-recently-active evicted", "superseded_by": s.ID},
		})
	}
	r.appendEvent(ctx, audit.Event{
		Type: audit.EventLogin, SessionID: s.ID,
		DeviceFingerprint: fingerprint, RiskLevel: risk,
		Details: map[string]any{"reasons": reasons},
	})
	return snapshot(s), nil
}

// evictOverCapLocked marks least-recently-active sessions superseded until the
// user's active count is below the cap, and returns the evicted ones.
func (r *Registry) evictOverCapLocked(userID string) []*Session {
	var evicted []*Session
	for {
		var active []*Session
		for _, s := range r.sessions {
			if s.UserID == userID && s.IsActive() {
				active = append(active, s)
			}
		}
		if len(active) < r.opts.MaxActive {
			return evicted
		}
		oldest := active[0]
		for _, s := range active[1:] {
			if s.LastActivity.Before(oldest.LastActivity) {
				oldest = s
			}
		}
		oldest.State = StateSuperseded
		oldest.LastActivity = r.nowF()
		evicted = append(evicted, oldest)
	}
}

// ValidateCurrentSession runs the validation chain on the current session:
// inactivity, then fingerprint comparison, then a fresh risk assessment. An
// unreachable oracle keeps the session alive at the last known risk floored at
// medium; only a hard device change or a block verdict forces reauthentication.
func (r *Registry) ValidateCurrentSession(ctx context.Context) *ValidationOutcome {
	r.mu.Lock()
	r.loadLocked(ctx)
	s, ok := r.sessions[r.currentID]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return &ValidationOutcome{
			IsValid: false, RiskLevel: trust.RiskLow,
			Reasons: []string{"no active session"}, RequiresReauth: true,
		}
	}

	now := r.nowF()
	if s.InactiveFor(now) > s.MaxInactivity {
		s.State = StateExpired
		s.LastActivity = now
		r.persistLocked(ctx)
		id, fp := s.ID, s.DeviceFingerprint
		r.mu.Unlock()
		r.appendEvent(ctx, audit.Event{
			Type: audit.EventSessionExpired, SessionID: id,
			DeviceFingerprint: fp, RiskLevel: trust.RiskLow,
			Details: map[string]any{"reason": "inactivity window exceeded"},
		})
		return &ValidationOutcome{
			IsValid: false, RiskLevel: trust.RiskHigh,
			Reasons: []string{"expired"}, RequiresReauth: true,
		}
	}
	id, storedFP := s.ID, s.DeviceFingerprint
	lastKnown := r.lastKnownRisk
	r.mu.Unlock()

	outcome := &ValidationOutcome{IsValid: true, RiskLevel: trust.RiskLow}
	oracleDown := false

	var deviceInfo map[string]any
	if storedFP != "" {
		fp, err := r.generateFingerprint(ctx)
		if err != nil {
			oracleDown = true
		} else {
			deviceInfo = fp.DeviceInfo
			res, verr := r.validateFingerprint(ctx, fp.Value, storedFP)
			switch {
			case verr != nil:
				oracleDown = true
			case !res.IsValid:
				r.invalidate(ctx, id)
				r.appendEvent(ctx, audit.Event{
					Type: audit.EventDeviceChange, SessionID: id,
					DeviceFingerprint: fp.Value, RiskLevel: trust.RiskHigh,
					Details: map[string]any{"reason": "device fingerprint changed"},
				})
				return &ValidationOutcome{
					IsValid: false, RiskLevel: trust.RiskHigh,
					Reasons:        []string{"device changed"},
					RequiresReauth: true, DeviceChanged: true,
				}
			case res.Similarity < r.opts.DriftTolerance:
				outcome.RiskLevel = outcome.RiskLevel.AtLeast(trust.RiskMedium)
				outcome.Reasons = append(outcome.Reasons, "device partially changed")
				outcome.DeviceChanged = true
				r.appendEvent(ctx, audit.Event{
					Type: audit.EventDeviceChange, SessionID: id,
					DeviceFingerprint: fp.Value, RiskLevel: trust.RiskMedium,
					Details: map[string]any{"reason": "fingerprint drift within tolerance of reauth", "similarity": res.Similarity},
				})
			}
		}
	}

	if !oracleDown {
		assessment, err := r.assessRisk(ctx, deviceInfo)
		switch {
		case err != nil:
			oracleDown = true
		case assessment.Recommendation == trust.RecommendBlock:
			r.invalidate(ctx, id)
			r.appendEvent(ctx, audit.Event{
				Type: audit.EventSuspiciousActivity, SessionID: id,
				RiskLevel: trust.RiskHigh,
				Details:   map[string]any{"reason": "device risk assessment blocked session", "reasons": assessment.Reasons},
			})
			return &ValidationOutcome{
				IsValid: false, RiskLevel: trust.RiskHigh,
				Reasons:        append([]string{"device blocked"}, assessment.Reasons...),
				RequiresReauth: true,
			}
		case assessment.Recommendation == trust.RecommendChallenge:
			outcome.RiskLevel = outcome.RiskLevel.AtLeast(trust.RiskMedium)
			outcome.Reasons = append(outcome.Reasons, assessment.Reasons...)
		default:
			outcome.RiskLevel = outcome.RiskLevel.AtLeast(assessment.RiskLevel)
			outcome.Reasons = append(outcome.Reasons, assessment.Reasons...)
		}
	}

	if oracleDown {
		outcome.RiskLevel = lastKnown.AtLeast(trust.RiskMedium)
		outcome.Reasons = append(outcome.Reasons, "oracle unavailable, using last known risk")
		r.appendEvent(ctx, audit.Event{
			Type: audit.EventSuspiciousActivity, SessionID: id,
			RiskLevel: trust.RiskMedium,
			Details:   map[string]any{"reason": "oracle unavailable during validation"},
		})
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.IsActive() {
		s.RiskLevel = outcome.RiskLevel
		s.LastActivity = r.nowF()
	}
	r.lastKnownRisk = outcome.RiskLevel
	r.persistLocked(ctx)
	r.mu.Unlock()
	return outcome
}

// UpdateLastActivity records activity on the current session and notifies
// activity subscribers. Without a current session it is a no-op.
func (r *Registry) UpdateLastActivity(ctx context.Context) {
	r.mu.Lock()
	s, ok := r.sessions[r.currentID]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return
	}
	s.LastActivity = r.nowF()
	r.persistLocked(ctx)
	handlers := make([]func(), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// OnActivity registers a callback invoked on every UpdateLastActivity and
// returns the unsubscribe function.
func (r *Registry) OnActivity(fn func()) func() {
	r.mu.Lock()
	id := r.nextHndlr
	r.nextHndlr++
	r.handlers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// TerminateSession moves the session to the terminated state and records a
// logout event. Terminating an unknown or already-finished session is a no-op.
func (r *Registry) TerminateSession(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	r.loadLocked(ctx)
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return nil
	}
	s.State = StateTerminated
	s.LastActivity = r.nowF()
	if r.currentID == sessionID {
		r.currentID = ""
	}
	fp := s.DeviceFingerprint
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.appendEvent(ctx, audit.Event{
		Type: audit.EventLogout, SessionID: sessionID,
		DeviceFingerprint: fp, RiskLevel: trust.RiskLow,
		Details: map[string]any{"reason": reason},
	})
	return nil
}

// Current returns a snapshot of the current session, if one is active.
func (r *Registry) Current(ctx context.Context) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)
	s, ok := r.sessions[r.currentID]
	if !ok || !s.IsActive() {
		return nil, false
	}
	return snapshot(s), true
}

// ActiveSessions returns snapshots of every active session in the table.
func (r *Registry) ActiveSessions(ctx context.Context) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)
	var out []Session
	for _, s := range r.sessions {
		if s.IsActive() {
			out = append(out, *s)
		}
	}
	return out
}

// LastKnownRisk returns the most recent risk level observed by validation.
func (r *Registry) LastKnownRisk() trust.RiskLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnownRisk
}

// Start launches the periodic validation loop. It stops when ctx is canceled
// or Destroy is called.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ValidateInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.ValidateCurrentSession(ctx)
			}
		}
	}()
}

// Destroy stops the validation loop and drops activity subscribers. Safe to
// call more than once; the session table itself is untouched so sibling
// contexts keep their view.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	close(r.stopCh)
	r.handlers = make(map[int]func())
}

func (r *Registry) invalidate(ctx context.Context, sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.State = StateInvalidated
		// State transitions bump LastActivity so sibling tables adopt them
		// under the freshest-wins merge rule.
		s.LastActivity = r.nowF()
	}
	if r.currentID == sessionID {
		r.currentID = ""
	}
	r.persistLocked(ctx)
	r.mu.Unlock()
}

// loadLocked merges the persisted session table into memory once per mutation
// window. On conflicting entries the freshest LastActivity wins, so two
// contexts racing on the shared slot converge on the latest state.
func (r *Registry) loadLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	rec, err := r.store.Get(ctx, store.SlotSessionTable)
	if err != nil || rec == nil {
		return
	}
	var persisted []Session
	if err := json.Unmarshal(rec.Payload, &persisted); err != nil {
		return
	}
	for i := range persisted {
		p := persisted[i]
		cur, ok := r.sessions[p.ID]
		if !ok || p.LastActivity.After(cur.LastActivity) {
			cp := p
			r.sessions[p.ID] = &cp
		}
	}
}

func (r *Registry) persistLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	table := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		table = append(table, *s)
	}
	payload, err := json.Marshal(table)
	if err != nil {
		log.Printf("session: marshal session table: %v", err)
		return
	}
	if err := r.store.Put(ctx, store.SlotSessionTable, payload); err != nil {
		log.Printf("session: persist session table: %v", err)
	}
}

func (r *Registry) appendEvent(ctx context.Context, e audit.Event) {
	if r.events != nil {
		r.events.Append(ctx, e)
	}
}

func (r *Registry) generateFingerprint(ctx context.Context) (*trust.Fingerprint, error) {
	if r.oracle == nil {
		return nil, errors.New("session: no oracle configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.OracleTimeout)
	defer cancel()
	return r.oracle.GenerateFingerprint(ctx)
}

func (r *Registry) validateFingerprint(ctx context.Context, current, stored string) (*trust.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OracleTimeout)
	defer cancel()
	return r.oracle.ValidateFingerprint(ctx, current, stored)
}

func (r *Registry) assessRisk(ctx context.Context, deviceInfo map[string]any) (*trust.Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OracleTimeout)
	defer cancel()
	return r.oracle.AssessDeviceRisk(ctx, deviceInfo)
}

func snapshot(s *Session) *Session {
	cp := *s
	return &cp
}
