// Package control is the single entry point to the automation worker. It
// serializes run ownership and exposes the worker state as snapshots.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ahrdadan/quizpilot/internal/events"
	"github.com/ahrdadan/quizpilot/internal/fault"
	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
	"github.com/ahrdadan/quizpilot/internal/quiz"
)

// Engine executes one run to its end.
type Engine interface {
	Execute(ctx context.Context, run *quiz.Run, sig quiz.Signals, obs quiz.Observer) model.RunSnapshot
}

// BrowserMonitor reports browser liveness without driving the browser.
type BrowserMonitor interface {
	IsAlive() bool
	Display() string
	Endpoint() string
}

// CredentialStore is the part of the credential store the controller needs.
type CredentialStore interface {
	Clear() error
}

// HistoryRepository archives finished runs.
type HistoryRepository interface {
	SaveRun(ctx context.Context, s model.RunSnapshot) error
	ListRuns(ctx context.Context, limit int) ([]model.RunSnapshot, error)
}

// Publisher sends run events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config is the controller configuration.
type Config struct {
	Engine      Engine
	Browser     BrowserMonitor
	Credentials CredentialStore
	// History and Publisher are optional.
	History   HistoryRepository
	Publisher Publisher
	Hub       *events.Hub
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Browser == nil {
		return fmt.Errorf("browser is required")
	}
	if c.Credentials == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.Hub == nil {
		c.Hub = events.NewHub(0)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "control.Controller"})
	return nil
}

// Health is the liveness report used by external health checks.
type Health struct {
	Healthy      bool        `json:"healthy"`
	WorkerActive bool        `json:"worker_active"`
	BrowserAlive bool        `json:"browser_alive"`
	Phase        model.Phase `json:"phase"`
}

// worker is the signal side of the active run.
type worker struct {
	id         string
	cancel     chan struct{}
	cancelOnce sync.Once
	manualDone chan struct{}
	done       chan struct{}
}

func (w *worker) stop() {
	w.cancelOnce.Do(func() { close(w.cancel) })
}

// Controller owns the automation worker. At most one run is active at a
// time; control operations only flip signals and read published snapshots.
type Controller struct {
	cfg    Config
	logger log.Logger
	slot   *semaphore.Weighted

	mu      sync.RWMutex
	active  *worker
	last    *model.RunSnapshot
	lastErr *model.ErrorInfo

	ctx       context.Context
	cancel    context.CancelFunc
	outbox    chan events.Event
	pubDone   chan struct{}
	closeOnce sync.Once
	// closing refuses new runs, outboxClosed stops publication. Both are
	// guarded by mu.
	closing      bool
	outboxClosed bool
}

// ErrClosed is returned when starting a run on a closed controller.
var ErrClosed = errors.New("controller is closed")

// NewController returns a new controller.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger,
		slot:    semaphore.NewWeighted(1),
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan events.Event, 64),
		pubDone: make(chan struct{}),
	}

	go c.publishLoop()
	return c, nil
}

// StartRun starts a run on quizURL. A second run while one is active fails
// with a run in progress error.
func (c *Controller) StartRun(quizURL string) (model.RunSnapshot, error) {
	if err := validateQuizURL(quizURL); err != nil {
		return model.RunSnapshot{}, err
	}
	if !c.slot.TryAcquire(1) {
		return model.RunSnapshot{}, fault.New(fault.KindRunInProgress, "start run", errors.New("a run is already active"))
	}

	run := quiz.NewRun(uuid.NewString(), quizURL)
	w := &worker{
		id:         run.ID,
		cancel:     make(chan struct{}),
		manualDone: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	snap := run.Snapshot()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.slot.Release(1)
		return model.RunSnapshot{}, ErrClosed
	}
	c.active = w
	c.last = &snap
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Infof("Starting run %s for %s", run.ID, quizURL)

	go func() {
		defer close(w.done)
		defer c.slot.Release(1)

		final := c.cfg.Engine.Execute(c.ctx, run, quiz.Signals{
			Cancel:     w.cancel,
			ManualDone: w.manualDone,
		}, c)

		c.mu.Lock()
		c.active = nil
		c.last = &final
		c.mu.Unlock()
	}()

	return snap, nil
}

// StopRun requests cancellation of the active run. It reports whether a run
// was active.
func (c *Controller) StopRun() bool {
	c.mu.RLock()
	w := c.active
	c.mu.RUnlock()

	if w == nil {
		return false
	}
	c.logger.Infof("Stop requested for run %s", w.id)
	w.stop()
	return true
}

// SignalManualDone tells a run waiting on the operator to resume. It is
// ignored unless the run is in manual intervention.
func (c *Controller) SignalManualDone() bool {
	c.mu.RLock()
	w, last := c.active, c.last
	c.mu.RUnlock()

	if w == nil || last == nil || last.State != model.RunStateManual {
		return false
	}

	select {
	case w.manualDone <- struct{}{}:
	default:
		// Already signaled, not consumed yet.
	}
	c.logger.Infof("Manual step reported done for run %s", w.id)
	return true
}

// Status returns the control status snapshot.
func (c *Controller) Status() model.Status {
	c.mu.RLock()
	active := c.active != nil
	var run *model.RunSnapshot
	if c.last != nil {
		s := *c.last
		run = &s
	}
	lastErr := c.lastErr
	c.mu.RUnlock()

	st := model.Status{
		Phase:        phaseOf(active, run),
		Active:       active,
		BrowserAlive: c.cfg.Browser.IsAlive(),
		Display:      c.cfg.Browser.Display(),
		CDPEndpoint:  c.cfg.Browser.Endpoint(),
		Run:          run,
		CheckedAt:    time.Now().UTC(),
	}
	if lastErr != nil {
		e := *lastErr
		st.LastError = &e
	}
	return st
}

func phaseOf(active bool, run *model.RunSnapshot) model.Phase {
	switch {
	case active && run != nil && run.State == model.RunStateManual:
		return model.PhaseAwaitingManual
	case active:
		return model.PhaseRunning
	case run != nil && run.State == model.RunStateFailed:
		return model.PhaseError
	default:
		return model.PhaseIdle
	}
}

// Health reports whether the worker and the browser it drives are alive.
func (c *Controller) Health() Health {
	st := c.Status()

	h := Health{
		WorkerActive: st.Active,
		BrowserAlive: st.BrowserAlive,
		Phase:        st.Phase,
		Healthy:      true,
	}
	// An active run past start up must have a live browser.
	if st.Active && st.Run != nil && st.Run.State != model.RunStateIdle && !st.BrowserAlive {
		h.Healthy = false
	}
	return h
}

// History returns archived runs, newest first.
func (c *Controller) History(ctx context.Context, limit int) ([]model.RunSnapshot, error) {
	if c.cfg.History == nil {
		return []model.RunSnapshot{}, nil
	}
	return c.cfg.History.ListRuns(ctx, limit)
}

// ClearCredentials removes the stored session so the next run logs in again.
func (c *Controller) ClearCredentials() error {
	c.mu.RLock()
	active := c.active != nil
	c.mu.RUnlock()

	if active {
		return fault.New(fault.KindRunInProgress, "clear credentials", errors.New("a run is active"))
	}
	if err := c.cfg.Credentials.Clear(); err != nil {
		return fmt.Errorf("could not clear credentials: %w", err)
	}
	c.logger.Infof("Stored credentials cleared")
	return nil
}

// Subscribe returns a stream of run events.
func (c *Controller) Subscribe() <-chan events.Event {
	return c.cfg.Hub.Subscribe()
}

// Unsubscribe ends a stream returned by Subscribe.
func (c *Controller) Unsubscribe(ch <-chan events.Event) {
	c.cfg.Hub.Unsubscribe(ch)
}

// Wait blocks until no run is active or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	w := c.active
	c.mu.RUnlock()

	if w == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the active run and waits for the worker to release the
// browser. Waiting is bounded by ctx.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.StopRun()
	err := c.Wait(ctx)

	c.closeOnce.Do(func() {
		// Unblocks a worker still waiting on the page.
		c.cancel()
		if err != nil {
			_ = c.Wait(context.Background())
		}

		c.mu.Lock()
		c.outboxClosed = true
		close(c.outbox)
		c.mu.Unlock()
		<-c.pubDone
		c.cfg.Hub.Close()
	})

	return err
}

// Observe records the snapshot published by the worker after a transition.
func (c *Controller) Observe(snap model.RunSnapshot) {
	c.mu.Lock()
	s := snap
	c.last = &s
	if snap.LastError != nil {
		e := *snap.LastError
		c.lastErr = &e
	}
	c.mu.Unlock()

	ev := events.NewRunEvent(snap)
	c.cfg.Hub.Emit(ev)

	if c.cfg.Publisher != nil {
		c.mu.RLock()
		if !c.outboxClosed {
			select {
			case c.outbox <- ev:
			default:
				c.logger.Warningf("Event outbox full, dropping %s event of run %s", ev.State, ev.RunID)
			}
		}
		c.mu.RUnlock()
	}

	if snap.State.IsTerminal() && c.cfg.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cfg.History.SaveRun(ctx, snap); err != nil {
			c.logger.Errorf("Could not archive run %s: %v", snap.ID, err)
		}
	}
}

func (c *Controller) publishLoop() {
	defer close(c.pubDone)

	for ev := range c.outbox {
		if c.cfg.Publisher == nil {
			continue
		}
		if err := c.cfg.Publisher.Publish(context.Background(), ev); err != nil {
			c.logger.Warningf("Could not publish %s event of run %s: %v", ev.State, ev.RunID, err)
		}
	}
}

func validateQuizURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid quiz url: %w", model.ErrNotValid)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("quiz url must be an absolute http(s) url: %w", model.ErrNotValid)
	}
	return nil
}
