// Package session ties the pull channel, the live channel and the
// reconciliation engine into one chat session with a single transcript.
//
// All transcript mutations run on one dispatcher goroutine. Network calls run
// on their own goroutines and post their results back to the dispatcher, so
// every engine operation sees the transcript left by the previous one.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/publisher"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

const opQueueSize = 64

// API is the pull channel.
type API interface {
	FetchHistory(ctx context.Context) ([]transcript.Incoming, error)
	PostMessage(ctx context.Context, author, text string) (transcript.Incoming, error)
	SubmitName(ctx context.Context, name string) error
}

type refreshWaiter struct {
	seq uint64
	ch  chan error
}

type Session struct {
	id       string
	api      API
	live     livechannel.Channel
	engine   *transcript.Engine
	metrics  *metrics.Metrics
	now      func() time.Time
	strategy string
	onUpdate func(Update)
	pubOpts  []publisher.Option
	pub      *publisher.Publisher

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	ops     chan func()
	started atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
	startMu   sync.Mutex

	nameMu sync.Mutex

	mu     sync.RWMutex
	view   transcript.Transcript
	state  State
	author string
	named  bool

	// owned by the dispatcher
	cur        transcript.Transcript
	fetching   bool
	dirty      bool
	reqSeq     uint64
	appliedSeq uint64
	waiters    []refreshWaiter
	wasClosed  bool
}

type Option func(*Session)

// WithUpdateHandler registers fn to run on the dispatcher after every change.
// fn must not block or call back into methods that wait on the dispatcher.
func WithUpdateHandler(fn func(Update)) Option {
	return func(s *Session) {
		s.onUpdate = fn
	}
}

func WithEngine(e *transcript.Engine) Option {
	return func(s *Session) {
		if e != nil {
			s.engine = e
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRefreshStrategy selects config.RefreshPayload or config.RefreshRefetch.
func WithRefreshStrategy(strategy string) Option {
	return func(s *Session) {
		s.strategy = strategy
	}
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Session) {
		s.pubOpts = append(s.pubOpts, publisher.WithRateLimit(perSecond, burst))
	}
}

// New creates a session in the Disconnected state with no name and an empty
// transcript. live may be nil, in which case only the pull channel is used.
func New(api API, live livechannel.Channel, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		api:      api,
		live:     live,
		engine:   transcript.NewEngine(),
		now:      time.Now,
		strategy: config.RefreshPayload,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan func(), opQueueSize),
		state:    Disconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	var announcer publisher.Announcer
	if live != nil {
		announcer = live
	}
	s.pub = publisher.New(echoSink{s}, api, announcer, append(s.pubOpts, publisher.WithMetrics(s.metrics))...)
	return s
}

func (s *Session) ID() string { return s.id }

// Start connects the live channel and pulls the initial snapshot. The session
// stops when ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	if ctx != nil {
		context.AfterFunc(ctx, s.cancel)
	}

	g, gctx := errgroup.WithContext(s.ctx)
	s.group = g
	s.started.Store(true)

	log.Info().Str("component", "session").Str("session_id", s.id).Str("refresh_strategy", s.strategy).Msg("session starting")

	g.Go(func() error { return s.dispatch(gctx) })

	if s.live != nil {
		s.enqueue(func() { s.setState(Connecting) })
		if err := s.live.Start(gctx); err != nil {
			log.Error().Err(err).Str("component", "session").Str("session_id", s.id).Msg("live channel start failed")
			s.enqueue(func() { s.setState(Disconnected) })
		} else {
			g.Go(func() error { return s.pump(gctx) })
		}
	}

	s.enqueue(func() { s.requestRefresh(nil) })
	return nil
}

func (s *Session) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-s.ops:
			if s.closed.Load() {
				continue
			}
			op()
		}
	}
}

func (s *Session) pump(ctx context.Context) error {
	events := s.live.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.enqueue(func() { s.handleEvent(ev) })
		}
	}
}

// enqueue hands op to the dispatcher. It reports false once the session is
// shutting down, in which case op never runs.
func (s *Session) enqueue(op func()) bool {
	if !s.started.Load() || s.closed.Load() {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	case s.ops <- op:
		return true
	}
}

// call runs op on the dispatcher and waits for it to finish.
func (s *Session) call(ctx context.Context, op func()) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	if !s.enqueue(func() { op(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Session) handleEvent(ev livechannel.Event) {
	switch ev.Kind {
	case livechannel.Opened:
		s.setState(Open)
		if s.wasClosed {
			s.wasClosed = false
			log.Info().Str("component", "session").Str("session_id", s.id).Msg("live channel reopened, pulling history")
			s.requestRefresh(nil)
		}
	case livechannel.Closed:
		s.wasClosed = true
		if ev.Retrying {
			s.setState(Connecting)
		} else {
			s.setState(Disconnected)
		}
		if ev.Err != nil {
			log.Debug().Err(ev.Err).Str("component", "session").Str("session_id", s.id).Msg("live channel closed")
		}
	case livechannel.Notified:
		n := ev.Notification
		if n.IsRefresh() || s.strategy == config.RefreshRefetch {
			s.requestRefresh(nil)
			return
		}
		next, change := s.engine.ApplyNotification(s.cur, *n.Message, s.now())
		if change == transcript.Promoted {
			s.metrics.EchoPromoted()
		}
		s.commit(next, change, "notification")
	}
}

func (s *Session) requestRefresh(waiter chan error) {
	target := s.reqSeq + 1
	if s.fetching {
		s.dirty = true
	} else {
		s.startFetch()
	}
	if waiter != nil {
		s.waiters = append(s.waiters, refreshWaiter{seq: target, ch: waiter})
	}
}

func (s *Session) startFetch() {
	s.fetching = true
	s.reqSeq++
	seq := s.reqSeq
	ctx := s.ctx
	s.group.Go(func() error {
		msgs, err := s.api.FetchHistory(ctx)
		s.enqueue(func() { s.fetchDone(seq, msgs, err) })
		return nil
	})
}

func (s *Session) fetchDone(seq uint64, msgs []transcript.Incoming, err error) {
	s.fetching = false
	s.metrics.SnapshotFetched(err == nil)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("component", "session").Str("session_id", s.id).Uint64("seq", seq).Msg("history fetch failed, transcript kept")
	case seq <= s.appliedSeq:
		log.Debug().Str("component", "session").Str("session_id", s.id).Uint64("seq", seq).Uint64("applied_seq", s.appliedSeq).Msg("discarding stale snapshot")
	default:
		s.appliedSeq = seq
		s.commit(s.engine.ApplySnapshot(s.cur, msgs), transcript.Replaced, "snapshot")
	}

	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.seq <= seq {
			w.ch <- err
			continue
		}
		kept = append(kept, w)
	}
	s.waiters = kept

	if s.dirty {
		s.dirty = false
		s.startFetch()
	}
}

func (s *Session) commit(next transcript.Transcript, change transcript.Change, input string) {
	s.metrics.Reconciled(input, change.String())
	if change == transcript.Unchanged {
		return
	}
	s.cur = next
	view := next.Clone()
	s.mu.Lock()
	s.view = view
	st := s.state
	s.mu.Unlock()
	s.notify(Update{Transcript: view.Clone(), State: st, Change: change})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == Closing {
		s.mu.Unlock()
		return
	}
	s.state = st
	view := s.view
	s.mu.Unlock()
	s.metrics.SetConnectionState(int(st))
	log.Debug().Str("component", "session").Str("session_id", s.id).Str("state", st.String()).Msg("connection state changed")
	if st != Closing {
		s.notify(Update{Transcript: view.Clone(), State: st, Change: transcript.Unchanged})
	}
}

func (s *Session) notify(u Update) {
	if s.onUpdate != nil && !s.closed.Load() {
		s.onUpdate(u)
	}
}

// Refresh pulls the history and waits until a snapshot requested at or after
// this call has been applied or has failed.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	ch := make(chan error, 1)
	if !s.enqueue(func() { s.requestRefresh(ch) }) {
		return ErrClosed
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// SubmitName registers the session name. The transition is one-way.
func (s *Session) SubmitName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &chaterrors.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	if s.Named() {
		return ErrAlreadyNamed
	}
	if err := s.api.SubmitName(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.author = name
	s.named = true
	s.mu.Unlock()
	log.Info().Str("component", "session").Str("session_id", s.id).Str("author", name).Msg("session named")
	return nil
}

// Submit publishes text under the session name.
func (s *Session) Submit(ctx context.Context, text string) (publisher.Result, error) {
	if s.closed.Load() {
		return publisher.Result{}, ErrClosed
	}
	author, named := s.identity()
	if !named {
		return publisher.Result{}, &chaterrors.ValidationError{Field: "name", Reason: "session is not named"}
	}
	return s.pub.Submit(ctx, author, text)
}

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() transcript.Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.Clone()
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Author() string {
	a, _ := s.identity()
	return a
}

func (s *Session) Named() bool {
	_, n := s.identity()
	return n
}

func (s *Session) identity() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.author, s.named
}

// Close tears the session down. Results arriving afterwards are dropped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		defer s.startMu.Unlock()

		s.setState(Closing)
		s.closed.Store(true)
		s.cancel()
		if s.live != nil {
			s.closeErr = s.live.Close()
		}
		if s.group != nil {
			_ = s.group.Wait()
		}

		s.mu.Lock()
		s.view = nil
		s.mu.Unlock()
		s.cur = nil
		s.waiters = nil
		log.Info().Str("component", "session").Str("session_id", s.id).Msg("session closed")
	})
	return s.closeErr
}

// echoSink exposes the dispatcher to the publisher.
type echoSink struct{ s *Session }

func (e echoSink) Echo(ctx context.Context, author, text string) (uint64, error) {
	var id uint64
	// waits on the dispatcher rather than ctx: an echo is never applied after Echo fails
	err := e.s.call(context.Background(), func() {
		if ctx.Err() != nil {
			return
		}
		var next transcript.Transcript
		next, id = e.s.engine.Echo(e.s.cur, author, text, e.s.now())
		e.s.commit(next, transcript.Appended, "echo")
	})
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ctx.Err()
	}
	return id, nil
}

func (e echoSink) Confirm(_ context.Context, localID uint64, created transcript.Incoming) {
	_ = e.s.call(context.Background(), func() {
		next, change := e.s.engine.Confirm(e.s.cur, localID, created)
		if change == transcript.Promoted {
			e.s.metrics.EchoPromoted()
		}
		e.s.commit(next, change, "confirm")
	})
}

func (e echoSink) Rollback(_ context.Context, localID uint64) {
	_ = e.s.call(context.Background(), func() {
		next, change := e.s.engine.Rollback(e.s.cur, localID)
		if change == transcript.Removed {
			e.s.metrics.RolledBack()
		}
		e.s.commit(next, change, "rollback")
	})
}
