package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in progress
	ErrAlreadyRunning = errors.New("simulation already running")
	// ErrNotRunning is returned by Stop when nothing is running
	ErrNotRunning = errors.New("simulation not running")
)

// AgentConn is the part of a Connection the simulator drives
type AgentConn interface {
	AgentID() string
	ChangeStatus(status types.Status, reason string) error
	Done() <-chan struct{}
	Replaced() bool
	Close() error
}

// CallReporter receives completed calls
type CallReporter interface {
	PostCall(ctx context.Context, call Call) error
}

// DialFunc opens a logged-in session for an agent code
type DialFunc func(ctx context.Context, code string) (AgentConn, error)

// Config controls pacing of the simulation
type Config struct {
	// Speed divides every dwell time; 1 is real time
	Speed float64
	Seed  int64
}

// Stats is a point-in-time view of a run
type Stats struct {
	Running          bool       `json:"running"`
	TotalAgents      int        `json:"totalAgents"`
	ActiveAgents     int        `json:"activeAgents"`
	Connected        int64      `json:"connected"`
	StatusChanges    int64      `json:"statusChanges"`
	CallsPosted      int64      `json:"callsPosted"`
	CallErrors       int64      `json:"callErrors"`
	LoginFailures    int64      `json:"loginFailures"`
	SessionsReplaced int64      `json:"sessionsReplaced"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
}

// Simulator logs agents in and walks them through the status graph
type Simulator struct {
	agents []Agent
	cfg    Config
	dial   DialFunc
	calls  CallReporter
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	running   bool
	active    int
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group

	connected        int64
	statusChanges    int64
	callsPosted      int64
	callErrors       int64
	loginFailures    int64
	sessionsReplaced int64
}

// NewSimulator creates a simulator over the given roster
func NewSimulator(agents []Agent, dial DialFunc, calls CallReporter, cfg Config, logger zerolog.Logger) *Simulator {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Simulator{
		agents: agents,
		cfg:    cfg,
		dial:   dial,
		calls:  calls,
		logger: logger.With().Str("component", "simulator").Logger(),
		now:    time.Now,
	}
}

// Start connects numActive randomly chosen agents; the run ends with Stop or ctx
func (s *Simulator) Start(ctx context.Context, numActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if numActive <= 0 || numActive > len(s.agents) {
		numActive = len(s.agents)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	group := &errgroup.Group{}

	for _, idx := range rng.Perm(len(s.agents))[:numActive] {
		agent := s.agents[idx]
		agentRng := rand.New(rand.NewSource(s.cfg.Seed + int64(idx) + 1))
		group.Go(func() error {
			s.runAgent(runCtx, agent, agentRng)
			return nil
		})
	}

	s.running = true
	s.active = numActive
	s.startedAt = s.now()
	s.cancel = cancel
	s.group = group

	s.logger.Info().Int("active_agents", numActive).Float64("speed", s.cfg.Speed).Msg("agent simulation started")
	return nil
}

// Stop ends the current run and waits for every agent to log out
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, group := s.cancel, s.group
	s.running = false
	s.active = 0
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()

	cancel()
	err := group.Wait()
	s.logger.Info().Msg("agent simulation stopped")
	return err
}

// Stats returns counters for the current or last run
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running:      s.running,
		TotalAgents:  len(s.agents),
		ActiveAgents: s.active,
	}
	if s.running {
		started := s.startedAt
		st.StartedAt = &started
	}
	s.mu.Unlock()

	st.Connected = atomic.LoadInt64(&s.connected)
	st.StatusChanges = atomic.LoadInt64(&s.statusChanges)
	st.CallsPosted = atomic.LoadInt64(&s.callsPosted)
	st.CallErrors = atomic.LoadInt64(&s.callErrors)
	st.LoginFailures = atomic.LoadInt64(&s.loginFailures)
	st.SessionsReplaced = atomic.LoadInt64(&s.sessionsReplaced)
	return st
}

// runAgent drives one agent until ctx ends or its session goes away
func (s *Simulator) runAgent(ctx context.Context, agent Agent, rng *rand.Rand) {
	logger := s.logger.With().Str("agent_code", agent.Code).Logger()

	conn, err := s.dial(ctx, agent.Code)
	if err != nil {
		if ctx.Err() == nil {
			atomic.AddInt64(&s.loginFailures, 1)
			logger.Warn().Err(err).Msg("agent login failed")
		}
		return
	}
	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)
	defer conn.Close()

	status := types.StatusAvailable
	if err := conn.ChangeStatus(status, "shift start"); err != nil {
		logger.Debug().Err(err).Msg("failed to send status change")
		return
	}
	atomic.AddInt64(&s.statusChanges, 1)
	since := s.now()

	for {
		timer := time.NewTimer(s.dwell(rng, status))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-conn.Done():
			timer.Stop()
			if conn.Replaced() {
				atomic.AddInt64(&s.sessionsReplaced, 1)
			}
			return
		case <-timer.C:
		}

		now := s.now()
		if status == types.StatusBusy {
			s.reportCall(ctx, logger, conn.AgentID(), since, now, rng)
		}

		next := nextStatus(rng, status)
		if err := conn.ChangeStatus(next, ""); err != nil {
			logger.Debug().Err(err).Msg("failed to send status change")
			return
		}
		atomic.AddInt64(&s.statusChanges, 1)
		status, since = next, now
	}
}

func (s *Simulator) reportCall(ctx context.Context, logger zerolog.Logger, agentID string, started, ended time.Time, rng *rand.Rand) {
	if s.calls == nil || agentID == "" || !ended.After(started) {
		return
	}
	call := Call{AgentID: agentID, StartedAt: started, EndedAt: ended}
	// most callers answer the survey
	if rng.Float64() < 0.8 {
		score := float64(1 + rng.Intn(5))
		call.SatisfactionScore = &score
	}
	if err := s.calls.PostCall(ctx, call); err != nil {
		atomic.AddInt64(&s.callErrors, 1)
		logger.Debug().Err(err).Msg("failed to post call")
		return
	}
	atomic.AddInt64(&s.callsPosted, 1)
}

// dwell returns how long an agent stays in a status, scaled by Speed
func (s *Simulator) dwell(rng *rand.Rand, status types.Status) time.Duration {
	var base time.Duration
	switch status {
	case types.StatusAvailable:
		base = time.Duration(3+rng.Intn(10)) * time.Second
	case types.StatusBusy:
		base = time.Duration(30+rng.Intn(180)) * time.Second // 30s-3.5min
	case types.StatusWrap:
		base = time.Duration(10+rng.Intn(20)) * time.Second // 10-30s
	case types.StatusBreak:
		base = time.Duration(300+rng.Intn(300)) * time.Second // 5-10min
	case types.StatusNotReady:
		base = time.Duration(60+rng.Intn(240)) * time.Second // 1-5min
	default:
		base = time.Duration(5+rng.Intn(10)) * time.Second
	}

	d := time.Duration(float64(base) / s.cfg.Speed)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// nextStatus picks the follow-up status; every step is a legal transition
func nextStatus(rng *rand.Rand, current types.Status) types.Status {
	roll := rng.Float64()

	switch current {
	case types.StatusAvailable:
		if roll < 0.7 {
			return types.StatusBusy
		} else if roll < 0.85 {
			return types.StatusBreak
		}
		return types.StatusNotReady

	case types.StatusBusy:
		return types.StatusWrap

	case types.StatusWrap:
		if roll < 0.80 {
			return types.StatusAvailable
		} else if roll < 0.95 {
			return types.StatusBreak
		}
		return types.StatusNotReady

	default:
		return types.StatusAvailable
	}
}
