// Package importer runs imports: for one connection it walks the provider's
// resource types in order, fetches their pages, maps the resources and hands
// each record to the reconciler, tracking progress as it goes.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/fetch"
	"github.com/ehr/fhirsync/internal/mapper"
	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/internal/platform/webhook"
	"github.com/ehr/fhirsync/internal/platform/websocket"
	"github.com/ehr/fhirsync/internal/provider"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/token"
)

var (
	ErrRunInProgress  = errors.New("an import is already running for this connection")
	ErrRunNotActive   = errors.New("import run is not active")
	ErrRunNotFinished = errors.New("import run has not finished")

	errCancelled = errors.New("import cancelled")
)

// EventProgress is the websocket event type carrying a Progress snapshot.
const EventProgress = "import.progress"

type TokenSource interface {
	AccessToken(ctx context.Context, connectionID uuid.UUID) (string, error)
}

type Providers interface {
	Get(id string) (*provider.Config, error)
	Filter(id string) *provider.Filter
}

type Option func(*Orchestrator)

func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

func WithNotifier(n webhook.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPublisher streams every progress snapshot to p under the topics
// "imports/<run id>" and "connections/<connection id>".
func WithPublisher(p websocket.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithConcurrency bounds the number of connections SyncAll runs at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

type Orchestrator struct {
	conns       *connection.Service
	providers   Providers
	tokens      TokenSource
	fetcher     *fetch.Fetcher
	sync        *reconcile.Service
	runs        RunStore
	notifier    webhook.Notifier
	publisher   websocket.EventPublisher
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]*run
	byConn map[uuid.UUID]uuid.UUID
}

func New(conns *connection.Service, providers Providers, tokens TokenSource, fetcher *fetch.Fetcher,
	syncSvc *reconcile.Service, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conns:       conns,
		providers:   providers,
		tokens:      tokens,
		fetcher:     fetcher,
		sync:        syncSvc,
		runs:        NewMemoryRunStore(),
		notifier:    webhook.Nop{},
		logger:      logger.With().Str("component", "importer").Logger(),
		concurrency: 4,
		now:         time.Now,
		active:      make(map[uuid.UUID]*run),
		byConn:      make(map[uuid.UUID]uuid.UUID),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the in-flight state of one import.
type run struct {
	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	subs     map[chan Progress]struct{}
	done     chan struct{}
}

// session is what a run resolved before importing anything.
type session struct {
	conn      *connection.Connection
	cfg       *provider.Config
	state     *reconcile.SyncState
	filter    *provider.Filter
	lastSync  *time.Time
	startedAt time.Time
	warned    map[string]bool
	log       zerolog.Logger
}

// Run imports synchronously and returns the result once the run is
// terminal. A connection-level failure is returned as the error alongside a
// result with status error. Cancelling ctx ends the run as cancelled with a
// nil error.
func (o *Orchestrator) Run(ctx context.Context, connectionID uuid.UUID, opts RunOptions) (*Result, error) {
	r, runCtx, err := o.begin(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer r.cancel()
	return o.execute(runCtx, r, opts)
}

// Start launches a run in the background and returns its ID. The run is
// detached from ctx; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, connectionID uuid.UUID, opts RunOptions) (uuid.UUID, error) {
	r, runCtx, err := o.begin(context.WithoutCancel(ctx), connectionID)
	if err != nil {
		return uuid.Nil, err
	}
	go func() {
		defer r.cancel()
		_, _ = o.execute(runCtx, r, opts)
	}()
	return r.progress.RunID, nil
}

func (o *Orchestrator) begin(ctx context.Context, connectionID uuid.UUID) (*run, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.byConn[connectionID]; busy {
		return nil, nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		progress: newProgress(uuid.New(), connectionID, o.now().UTC()),
		cancel:   cancel,
		subs:     make(map[chan Progress]struct{}),
		done:     make(chan struct{}),
	}
	o.active[r.progress.RunID] = r
	o.byConn[connectionID] = r.progress.RunID
	return r, runCtx, nil
}

func (o *Orchestrator) lookup(runID uuid.UUID) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID]
}

// Cancel requests cooperative cancellation. The run stops at the next page
// or resource type boundary.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	if r := o.lookup(runID); r != nil {
		r.cancel()
		return nil
	}
	if _, err := o.runs.Get(ctx, runID); err != nil {
		return err
	}
	return ErrRunNotActive
}

// Progress returns the latest snapshot of a run, live or finished.
func (o *Orchestrator) Progress(ctx context.Context, runID uuid.UUID) (Progress, error) {
	if r := o.lookup(runID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.progress.clone(), nil
	}
	stored, err := o.runs.Get(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	return stored.Progress, nil
}

// Result returns the result of a finished run.
func (o *Orchestrator) Result(ctx context.Context, runID uuid.UUID) (*Result, error) {
	if o.lookup(runID) != nil {
		return nil, ErrRunNotFinished
	}
	stored, err := o.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return stored.Result, nil
}

// Wait blocks until the run is terminal and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, runID uuid.UUID) (*Result, error) {
	if r := o.lookup(runID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Result(ctx, runID)
}

// Subscribe streams progress snapshots of a run. The channel receives the
// current snapshot first and is closed after the terminal one. A slow reader
// misses intermediate snapshots, never the latest. The returned func stops
// the subscription early.
func (o *Orchestrator) Subscribe(ctx context.Context, runID uuid.UUID) (<-chan Progress, func(), error) {
	r := o.lookup(runID)
	if r == nil {
		stored, err := o.runs.Get(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan Progress, 1)
		ch <- stored.Progress
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan Progress, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch <- r.progress.clone()
	if r.subs == nil {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}
	stop := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, stop, nil
}

// deliver sends p without blocking, dropping the oldest queued snapshot when
// the subscriber is behind.
func deliver(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// update applies fn to the run's progress and fans the snapshot out.
func (o *Orchestrator) update(r *run, fn func(p *Progress)) {
	now := o.now().UTC()
	r.mu.Lock()
	fn(&r.progress)
	r.progress.UpdatedAt = now
	snap := r.progress.clone()
	for ch := range r.subs {
		deliver(ch, snap)
	}
	r.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) publish(p Progress) {
	if o.publisher == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	for _, topic := range []string{"imports/" + p.RunID.String(), "connections/" + p.ConnectionID.String()} {
		ev := websocket.Event{Type: EventProgress, Topic: topic, Timestamp: p.UpdatedAt, Data: data}
		if err := o.publisher.Publish(context.Background(), ev); err != nil {
			o.logger.Debug().Err(err).Str("topic", topic).Msg("progress publish failed")
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run, opts RunOptions) (*Result, error) {
	runID, connID := r.progress.RunID, r.progress.ConnectionID
	res := &Result{
		RunID:          runID,
		ConnectionID:   connID,
		Full:           opts.Full,
		ImportedCounts: map[fhir.ResourceType]int{},
		StaleCounts:    map[fhir.ResourceType]int{},
		Warnings:       []string{},
		StartedAt:      r.progress.StartedAt,
	}
	o.update(r, func(p *Progress) { p.advance(StatusAuthenticating, p.UpdatedAt) })

	s, err := o.prepare(ctx, connID)
	if err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, r, nil, res, true, nil)
		}
		return o.finish(ctx, r, nil, res, false, err)
	}
	s.log = o.logger.With().Str("run_id", runID.String()).Str("connection_id", connID.String()).Logger()
	s.log.Info().Str("provider", s.cfg.ID).Bool("full", opts.Full).Msg("import started")

	order := o.plan(r, s, res, opts)
	s.state.Status = reconcile.SyncRunning
	s.state.LastRunID = &runID
	if err := o.sync.SaveState(ctx, s.state); err != nil {
		return o.finish(ctx, r, s, res, false, fmt.Errorf("save sync state: %w", err))
	}

	cancelled := false
	var runErr error
	for _, rt := range order {
		if !mapper.Supports(rt) {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		since := s.state.Cursor(string(rt))
		if opts.Full {
			since = nil
		}
		complete, err := o.importType(ctx, r, s, res, rt, since)
		if errors.Is(err, errCancelled) {
			cancelled = true
			break
		}
		if err != nil {
			runErr = err
			break
		}
		if complete {
			s.state.Advance(string(rt), s.startedAt)
		}
	}
	return o.finish(ctx, r, s, res, cancelled, runErr)
}

// prepare loads everything a run needs. Any failure here is connection-level.
func (o *Orchestrator) prepare(ctx context.Context, connID uuid.UUID) (*session, error) {
	conn, err := o.conns.Get(ctx, connID)
	if err != nil {
		return nil, err
	}
	if !conn.Active {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, token.ErrConnectionInactive)
	}
	cfg, err := o.providers.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}
	if _, err := o.tokens.AccessToken(ctx, conn.ID); err != nil {
		return nil, err
	}
	state, err := o.sync.State(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return &session{
		conn:      conn,
		cfg:       cfg,
		state:     state,
		filter:    o.providers.Filter(cfg.ID),
		lastSync:  conn.LastSyncAt,
		startedAt: o.now().UTC(),
		warned:    map[string]bool{},
	}, nil
}

// plan returns the resource types of this run in provider order and seeds
// their progress entries. Unsupported types are marked skipped.
func (o *Orchestrator) plan(r *run, s *session, res *Result, opts RunOptions) []fhir.ResourceType {
	order := s.cfg.ImportOrder()
	if len(opts.ResourceTypes) > 0 {
		want := make(map[fhir.ResourceType]bool, len(opts.ResourceTypes))
		for _, rt := range opts.ResourceTypes {
			want[rt] = true
		}
		filtered := order[:0]
		for _, rt := range order {
			if want[rt] {
				filtered = append(filtered, rt)
				delete(want, rt)
			}
		}
		order = filtered
		for rt := range want {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is not configured for provider %s", rt, s.cfg.ID))
		}
	}

	entries := make([]ResourceProgress, 0, len(order))
	for _, rt := range order {
		rp := ResourceProgress{ResourceType: rt, Phase: PhaseQueued}
		if !mapper.Supports(rt) {
			rp.Phase = PhaseSkipped
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is not supported; skipped", rt))
			s.log.Warn().Str("resource_type", string(rt)).Msg("unsupported resource type skipped")
		} else {
			res.ImportedCounts[rt] = 0
		}
		entries = append(entries, rp)
	}
	o.update(r, func(p *Progress) { p.Resources = entries })
	return order
}
