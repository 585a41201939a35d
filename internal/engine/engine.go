// Package engine is the reconciliation engine. It applies user mutations
// optimistically, queues them while the server is unreachable, replays
// the queue in order once connectivity returns, and keeps the presented
// list consistent with server notifications.
//
// Architecture: one Engine is constructed at startup and owns all
// reconciliation state. Connectivity transitions and live notifications
// arrive on bus topics; Start subscribes the engine's handlers and
// Shutdown removes them. Refreshes are debounced per kind, and at most
// one queue drain runs at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/list-sync/internal/api"
	"github.com/alexjbarnes/list-sync/internal/bus"
	"github.com/alexjbarnes/list-sync/internal/clock"
	"github.com/alexjbarnes/list-sync/internal/connectivity"
	"github.com/alexjbarnes/list-sync/internal/debounce"
	"github.com/alexjbarnes/list-sync/internal/live"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/alexjbarnes/list-sync/internal/tracker"
)

// DefaultRefreshDelay is the trailing debounce applied to refreshes.
const DefaultRefreshDelay = 100 * time.Millisecond

// Store is the durable queue and snapshot cache. *state.State and
// state.Unavailable satisfy it.
type Store interface {
	Enqueue(a state.QueuedAction) (uint64, error)
	ListPending() ([]state.QueuedAction, error)
	Clear(id uint64) error
	Count() (int, error)
	SaveSections(sections []models.Section) error
	GetSections() ([]models.Section, error)
	UpdateItem(id int64, fn func(*models.Item)) (bool, error)
	RemoveItem(id int64) (bool, error)
	UpdateSection(id int64, fn func(*models.Section)) (bool, error)
	SetLastSync(ts int64) error
	LastSync() (int64, error)
	MapTempID(tempID string, id int64) error
	ResolveTempID(tempID string) (state.TempMapping, bool, error)
}

// Server is the list server. *api.Client satisfies it.
type Server interface {
	Do(ctx context.Context, req api.Request) (int, error)
	Create(ctx context.Context, req api.Request) (int, int64, error)
	FetchData(ctx context.Context) (*models.Snapshot, error)
	FetchStats(ctx context.Context) (models.Stats, error)
	FetchSections(ctx context.Context) ([]models.Section, error)
	FetchItem(ctx context.Context, id int64) (*models.Item, error)
	Suggestions(ctx context.Context, query string) ([]string, error)
}

// Presenter renders engine output. Calls may arrive from any goroutine.
type Presenter interface {
	ApplyDelta(d Delta)
	RenderList(sections []models.Section)
	RenderStats(st models.Stats)
	RenderSectionOptions(sections []models.Section)
	Advise(a Advisory)
}

// Connectivity reports reachability and publishes transitions.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
	Events() *bus.Topic[connectivity.Event]
}

// Channel is the live update channel. *live.Channel satisfies it.
type Channel interface {
	State() live.ConnectionState
	Reconnect()
	Notifications() *bus.Topic[live.Notification]
}

// Config wires an Engine to its collaborators.
type Config struct {
	Store        Store
	Server       Server
	Presenter    Presenter
	Connectivity Connectivity
	// Channel may be nil when no live channel is configured.
	Channel Channel
	Tracker *tracker.Tracker
	Clock   clock.Clock
	// RefreshDelay is the refresh debounce. Zero uses DefaultRefreshDelay.
	RefreshDelay time.Duration
}

// Engine is the reconciliation engine.
type Engine struct {
	store     Store
	server    Server
	presenter Presenter
	conn      Connectivity
	channel   Channel
	tracker   *tracker.Tracker
	clock     clock.Clock
	logger    *slog.Logger

	list     *debounce.Debouncer
	stats    *debounce.Debouncer
	sections *debounce.Debouncer

	suggest suggestionIndex

	// draining guards against overlapping drains. A drain requested while
	// one runs is dropped.
	draining atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
	started     bool

	wg sync.WaitGroup
}

// New creates an Engine. Call Start to subscribe it to its event sources.
func New(cfg Config, logger *slog.Logger) *Engine {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	tr := cfg.Tracker
	if tr == nil {
		tr = tracker.New(c, tracker.DefaultWindow)
	}

	delay := cfg.RefreshDelay
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:     cfg.Store,
		server:    cfg.Server,
		presenter: cfg.Presenter,
		conn:      cfg.Connectivity,
		channel:   cfg.Channel,
		tracker:   tr,
		clock:     c,
		logger:    logger.With(slog.String("component", "engine")),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.list = debounce.New(c, delay, e.refreshList)
	e.stats = debounce.New(c, delay, e.refreshStats)
	e.sections = debounce.New(c, delay, e.refreshSections)

	return e
}

// Start subscribes the engine to connectivity transitions and live
// notifications, then runs an initial reconcile in the background: a
// drain-or-refresh when online, or a render of the cached snapshot when
// offline. ctx bounds all background work.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}

	e.started = true
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.unsubscribe = append(e.unsubscribe, e.conn.Events().Subscribe(e.HandleConnectivity))
	if e.channel != nil {
		e.unsubscribe = append(e.unsubscribe, e.channel.Notifications().Subscribe(e.HandleNotification))
	}
	e.mu.Unlock()

	e.goBackground(func(ctx context.Context) {
		if e.conn.Online() {
			e.OnOnline(ctx)
			e.RefreshSuggestions(ctx)

			return
		}

		e.renderCached()
	})
}

// Shutdown unsubscribes the handlers, cancels pending refreshes, and
// waits for background work to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.cancel()
	e.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}

	e.list.Stop()
	e.stats.Stop()
	e.sections.Stop()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background work: %w", ctx.Err())
	}
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ctx
}

func (e *Engine) goBackground(fn func(ctx context.Context)) {
	ctx := e.context()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// HandleConnectivity reacts to a connectivity transition.
func (e *Engine) HandleConnectivity(ev connectivity.Event) {
	ctx := e.context()

	switch ev.Transition {
	case connectivity.WentOnline:
		e.logger.Info("online")
		// The live channel may have used up its reconnect attempts while
		// the server was unreachable.
		e.reconnectChannel()
		e.OnOnline(ctx)
		e.RefreshSuggestions(ctx)
	case connectivity.WentOffline:
		e.logger.Info("offline, queueing changes")
		e.presenter.Advise(Advisory{
			Level:   AdviseInfo,
			Code:    CodeOffline,
			Message: "Offline. Changes will sync when the connection returns.",
			At:      e.clock.Now(),
		})
	case connectivity.Foreground:
		e.Foreground(ctx)
	case connectivity.Background:
	}
}

// reconnectChannel restarts the live channel when it is down.
func (e *Engine) reconnectChannel() {
	if e.channel != nil && e.channel.State() == live.Disconnected {
		e.logger.Debug("reconnecting live channel")
		e.channel.Reconnect()
	}
}

// OnOnline drains the queue and, if the drain had nothing to do,
// requests a list and stats refresh. A drain that did work refreshes
// on its own.
func (e *Engine) OnOnline(ctx context.Context) {
	drained, err := e.Drain(ctx)
	if err != nil {
		e.logger.Warn("queue drain failed", slog.String("error", err.Error()))
	}

	if !drained {
		e.RequestRefresh(RefreshList | RefreshStats)
	}
}

// Foreground handles the client regaining attention while online:
// reconnect the live channel if it is down, drain or refresh, then
// refresh the snapshot cache.
func (e *Engine) Foreground(ctx context.Context) {
	if !e.conn.Online() {
		e.renderCached()
		return
	}

	e.reconnectChannel()

	e.OnOnline(ctx)

	if err := e.CacheData(ctx); err != nil {
		e.logger.Warn("caching snapshot", slog.String("error", err.Error()))
	}
}

// Status is a point-in-time summary of sync state.
type Status struct {
	Online         bool      `json:"online" yaml:"online"`
	Channel        string    `json:"channel" yaml:"channel"`
	Pending        int       `json:"pending" yaml:"pending"`
	Draining       bool      `json:"draining" yaml:"draining"`
	StoreAvailable bool      `json:"store_available" yaml:"store_available"`
	LastSync       time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

// Status reports the current sync state.
func (e *Engine) Status() Status {
	st := Status{
		Online:         e.conn.Online(),
		Channel:        live.Disconnected.String(),
		Draining:       e.draining.Load(),
		StoreAvailable: true,
	}

	if e.channel != nil {
		st.Channel = e.channel.State().String()
	}

	n, err := e.store.Count()
	if err != nil {
		st.StoreAvailable = false
	}

	st.Pending = n

	if ts, err := e.store.LastSync(); err == nil && ts > 0 {
		st.LastSync = time.Unix(ts, 0).UTC()
	}

	return st
}

// Sections returns the cached snapshot for offline reads.
func (e *Engine) Sections() ([]models.Section, error) {
	sections, err := e.store.GetSections()
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	return sections, nil
}

func (e *Engine) renderCached() {
	sections, err := e.store.GetSections()
	if err != nil {
		e.logger.Debug("no cached snapshot", slog.String("error", err.Error()))
		return
	}

	e.presenter.RenderList(sections)
	e.presenter.RenderStats(models.ComputeStats(sections))
}
