// Package presence owns the live session table that maps connections to
// agents. At most one session exists per agent code.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/keylock"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// History reasons written when a session is retired
const (
	ReasonDisconnected = "disconnected"
	ReasonLogout       = "logout"
	ReasonForced       = "forced logout"
	ReasonRelogin      = "relogin"
	ReasonStale        = "stale session"
)

// Publisher receives events after the store write committed
type Publisher interface {
	Publish(ev types.Event)
}

// Dashboard registers dashboard subscribers
type Dashboard interface {
	Subscribe(ctx context.Context, id string) *dashboard.Mailbox
	Unsubscribe(id string)
}

// LoginResult describes a successful login
type LoginResult struct {
	Agent   *types.Agent
	Session types.PresenceSession
	// Evicted is the session id this login replaced, if any
	Evicted string
}

// Tracker maps live sessions to agents
type Tracker struct {
	store     storage.AgentStore
	events    Publisher
	dashboard Dashboard
	locks     *keylock.Map // per agent code

	sessions map[string]*types.PresenceSession // sessionID -> session
	byCode   map[string]string                 // agentCode -> sessionID
	mu       sync.Mutex

	storeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewTracker creates an empty session table
func NewTracker(store storage.AgentStore, events Publisher, dash Dashboard, storeTimeout time.Duration, logger zerolog.Logger) *Tracker {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Tracker{
		store:        store,
		events:       events,
		dashboard:    dash,
		locks:        keylock.New(),
		sessions:     make(map[string]*types.PresenceSession),
		byCode:       make(map[string]string),
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "presence").Logger(),
		metrics:      metrics.Get(),
		now:          time.Now,
	}
}

// Login binds sessionID to the agent with code. A prior session for the
// same code is evicted; the login that completes last owns the slot.
func (t *Tracker) Login(ctx context.Context, code, sessionID string) (*LoginResult, error) {
	res, err := t.login(ctx, code, sessionID)
	t.metrics.RecordLogin(err)
	return res, err
}

func (t *Tracker) login(ctx context.Context, code, sessionID string) (*LoginResult, error) {
	if code == "" || sessionID == "" {
		return nil, types.InvalidInput("agent code and session id are required")
	}

	// a connection switching identity gives up the old one first
	if current, ok := t.Session(sessionID); ok && current.AgentCode != code {
		if err := t.release(ctx, sessionID, ReasonRelogin); err != nil {
			return nil, err
		}
	}

	unlock := t.locks.Lock(code)
	defer unlock()

	agent, err := t.getByCode(ctx, code)
	if err != nil {
		t.logger.Warn().Err(err).Str("agent_code", code).Str("session_id", sessionID).Msg("login rejected")
		return nil, err
	}
	if !agent.IsActive {
		t.logger.Warn().Str("agent_code", code).Str("session_id", sessionID).Msg("login rejected, agent inactive")
		return nil, types.AgentInactive(code)
	}

	loginTime := t.now()
	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	agent, err = t.store.SetOnline(storeCtx, agent.ID, sessionID, loginTime)
	cancel()
	if err != nil {
		return nil, t.translate("set online", code, err)
	}

	session := types.PresenceSession{
		SessionID: sessionID,
		AgentID:   agent.ID,
		AgentCode: code,
		LoginTime: loginTime,
	}

	t.mu.Lock()
	evicted := ""
	if prior, ok := t.byCode[code]; ok && prior != sessionID {
		delete(t.sessions, prior)
		evicted = prior
	}
	t.sessions[sessionID] = &session
	t.byCode[code] = sessionID
	count := len(t.sessions)
	t.mu.Unlock()

	t.metrics.SetOnlineSessions(count)
	if evicted != "" {
		t.metrics.RecordDisconnect("evicted")
		t.logger.Info().Str("agent_code", code).Str("session_id", evicted).Msg("prior session evicted")
	}

	t.logger.Info().
		Str("agent_code", code).
		Str("agent_id", agent.ID).
		Str("session_id", sessionID).
		Msg("agent logged in")

	t.events.Publish(types.AgentOnline{AgentCode: code, SessionID: sessionID, Timestamp: loginTime})
	return &LoginResult{Agent: agent, Session: session, Evicted: evicted}, nil
}

// Logout retires the session after an explicit agent logout.
// Unknown sessions are a no-op.
func (t *Tracker) Logout(ctx context.Context, sessionID string) error {
	return t.release(ctx, sessionID, ReasonLogout)
}

// Disconnect retires the session after its connection dropped and
// removes any dashboard subscription it held. Repeated calls for the
// same session are no-ops.
func (t *Tracker) Disconnect(ctx context.Context, sessionID string) error {
	t.dashboard.Unsubscribe(sessionID)
	return t.release(ctx, sessionID, ReasonDisconnected)
}

// LogoutAgent forces the agent offline and retires its live session if
// it has one. It returns the retired session id, or "".
func (t *Tracker) LogoutAgent(ctx context.Context, agentID string) (string, error) {
	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	agent, err := t.store.GetByID(storeCtx, agentID)
	cancel()
	if err != nil {
		return "", t.translate("get agent", agentID, err)
	}

	t.mu.Lock()
	sessionID, ok := t.byCode[agent.Code]
	t.mu.Unlock()
	if ok {
		return sessionID, t.release(ctx, sessionID, ReasonForced)
	}

	// no live session here, but the record may still claim one
	if !agent.IsOnline && agent.Status == types.StatusOffline {
		return "", nil
	}
	unlock := t.locks.Lock(agent.Code)
	defer unlock()
	if err := t.setOffline(ctx, agent.ID, agent.Code, ReasonForced); err != nil {
		return "", err
	}
	t.events.Publish(types.AgentOffline{AgentCode: agent.Code, Timestamp: t.now()})
	return "", nil
}

// JoinDashboard subscribes the session to dashboard snapshots. The
// returned mailbox already holds a current snapshot.
func (t *Tracker) JoinDashboard(ctx context.Context, sessionID string) (*dashboard.Mailbox, error) {
	if sessionID == "" {
		return nil, types.InvalidInput("session id is required")
	}
	return t.dashboard.Subscribe(ctx, sessionID), nil
}

// Session returns the live session for sessionID
func (t *Tracker) Session(sessionID string) (types.PresenceSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return types.PresenceSession{}, false
	}
	return *s, true
}

// SessionCount returns the number of live sessions
func (t *Tracker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ResetStale marks agents offline that the store still lists as online
// but that have no session in this process. Run once at startup.
func (t *Tracker) ResetStale(ctx context.Context) (int, error) {
	online := true
	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	agents, err := t.store.FindMany(storeCtx, types.AgentFilter{IsOnline: &online})
	cancel()
	if err != nil {
		return 0, types.StoreUnavailable("find online agents", err)
	}

	reset := 0
	for _, agent := range agents {
		t.mu.Lock()
		_, live := t.byCode[agent.Code]
		t.mu.Unlock()
		if live {
			continue
		}
		unlock := t.locks.Lock(agent.Code)
		err := t.setOffline(ctx, agent.ID, agent.Code, ReasonStale)
		unlock()
		if err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		t.logger.Info().Int("agents", reset).Msg("stale online agents reset")
	}
	return reset, nil
}

func (t *Tracker) release(ctx context.Context, sessionID, reason string) error {
	session, ok := t.Session(sessionID)
	if !ok {
		t.logger.Debug().Str("session_id", sessionID).Msg("release for unknown session ignored")
		return nil
	}

	unlock := t.locks.Lock(session.AgentCode)
	defer unlock()

	// the session may have been evicted or released while we waited
	if _, still := t.Session(sessionID); !still {
		return nil
	}

	err := t.setOffline(ctx, session.AgentID, session.AgentCode, reason)
	if err != nil && types.KindOf(err) != types.KindUnknownAgent {
		return err
	}

	t.mu.Lock()
	delete(t.sessions, sessionID)
	if t.byCode[session.AgentCode] == sessionID {
		delete(t.byCode, session.AgentCode)
	}
	count := len(t.sessions)
	t.mu.Unlock()

	t.metrics.SetOnlineSessions(count)
	t.metrics.RecordDisconnect(reason)
	t.logger.Info().
		Str("agent_code", session.AgentCode).
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("agent offline")

	t.events.Publish(types.AgentOffline{AgentCode: session.AgentCode, SessionID: sessionID, Timestamp: t.now()})
	return nil
}

func (t *Tracker) setOffline(ctx context.Context, agentID, code, reason string) error {
	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	if _, err := t.store.SetOffline(storeCtx, agentID, reason, t.now()); err != nil {
		return t.translate("set offline", code, err)
	}
	return nil
}

func (t *Tracker) getByCode(ctx context.Context, code string) (*types.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	agent, err := t.store.GetByCode(ctx, code)
	if err != nil {
		return nil, t.translate("get agent by code", code, err)
	}
	return agent, nil
}

func (t *Tracker) translate(op, key string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return types.UnknownAgent(key)
	}
	t.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("agent store failure")
	return types.StoreUnavailable(op, err)
}
