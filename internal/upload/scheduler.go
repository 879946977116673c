// Package upload schedules delayed photo uploads with cancellation,
// replacement and bounded retry.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"fotomator/internal/chat"
	"fotomator/internal/eventbus"
	"fotomator/internal/media"
	"fotomator/internal/notify"
	rtsup "fotomator/internal/runtime/supervisor"
	"fotomator/internal/storage"
	logx "fotomator/pkg/logx"
)

var ErrStopped = errors.New("upload scheduler stopped")

// SourceOpener opens the photo bytes behind a uri. An error means the source
// is unreadable and is never retried.
type SourceOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// SourceFunc adapts a function to SourceOpener.
type SourceFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

func (f SourceFunc) Open(ctx context.Context, uri string) (io.ReadCloser, error) { return f(ctx, uri) }

type Config struct {
	Policy Policy
	// Workers bounds concurrent attempts. Default 1.
	Workers int
	// NotifyTimeout bounds each presenter call. Default 10s.
	NotifyTimeout time.Duration
}

type Deps struct {
	Store     storage.Store
	Client    chat.Client
	Presenter notify.Presenter
	Source    SourceOpener
	// Channel returns the destination channel id at attempt time.
	Channel func() string
	Bus     eventbus.Bus
	Log     logx.Logger
}

// task is the in-memory handle of one scheduled upload.
// gen identifies the registration; a timer whose gen no longer matches is stale.
// A running task is never replaced: only its own attempt re-arms or drops it,
// so RemoveFromSchedule deleting it is the opt-out signal for that attempt.
type task struct {
	gen     uint64
	timer   *time.Timer
	running bool
}

// Scheduler owns the uri -> task map. All map access happens under mu.
type Scheduler struct {
	deps Deps
	log  logx.Logger
	sup  *rtsup.Supervisor

	slots         chan struct{}
	notifyTimeout time.Duration

	mu     sync.Mutex
	policy Policy
	tasks  map[string]*task
	gen    uint64
	closed bool

	inflight sync.WaitGroup
}

// New returns a running scheduler. Its attempts stop when ctx is canceled or
// after RemoveAllFromSchedule.
func New(ctx context.Context, cfg Config, deps Deps) *Scheduler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Presenter == nil {
		deps.Presenter = notify.NewLogPresenter(log)
	}
	if deps.Channel == nil {
		deps.Channel = func() string { return "" }
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	nt := cfg.NotifyTimeout
	if nt <= 0 {
		nt = 10 * time.Second
	}
	return &Scheduler{
		deps:          deps,
		log:           log,
		sup:           rtsup.New(ctx, rtsup.WithLogger(log)),
		slots:         make(chan struct{}, workers),
		notifyTimeout: nt,
		policy:        cfg.Policy.normalized(),
		tasks:         map[string]*task{},
	}
}

// SetPolicy replaces the retry policy. It applies to tasks registered afterwards.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p.normalized()
	s.mu.Unlock()
}

func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Scheduled reports whether uri currently has a task (pending or running).
func (s *Scheduler) Scheduled(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[uri]
	return ok
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// AddToSchedule shows the "will upload" notification and registers a task
// that attempts the upload after the policy delay, replacing any pending task
// for uri. It reports whether a task already existed. While an attempt for
// uri is running nothing is replaced; that attempt reschedules on failure.
func (s *Scheduler) AddToSchedule(uri string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("schedule refused; scheduler stopped", logx.URI(uri))
		return false
	}
	if t := s.tasks[uri]; t != nil && t.running {
		s.mu.Unlock()
		s.log.Debug("schedule skipped; attempt in flight", logx.URI(uri))
		return true
	}
	delay := s.policy.Delay
	s.mu.Unlock()

	s.present(func(ctx context.Context) error { return s.deps.Presenter.ShowScheduled(ctx, uri, delay) }, uri)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	prev, existed := s.tasks[uri]
	if existed && prev.running {
		return true
	}
	if existed && prev.timer != nil {
		prev.timer.Stop()
	}
	s.arm(uri, delay)
	s.log.Debug("upload scheduled", logx.URI(uri), logx.Duration("delay", delay), logx.Bool("replaced", existed))
	return existed
}

// arm registers a fresh pending task for uri. Caller holds mu.
func (s *Scheduler) arm(uri string, delay time.Duration) {
	s.gen++
	gen := s.gen
	t := &task{gen: gen}
	t.timer = time.AfterFunc(delay, func() { s.fire(uri, gen) })
	s.tasks[uri] = t
}

// owns reports whether the task registered under gen is still live for uri.
func (s *Scheduler) owns(uri string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[uri]
	return t != nil && t.gen == gen
}

// fire runs on the timer goroutine when a delay elapses.
func (s *Scheduler) fire(uri string, gen uint64) {
	s.mu.Lock()
	t := s.tasks[uri]
	if s.closed || t == nil || t.gen != gen || t.running {
		s.mu.Unlock()
		return
	}
	t.timer = nil
	s.inflight.Add(1)
	s.mu.Unlock()

	s.sup.Go("upload.attempt", func(ctx context.Context) error {
		defer s.inflight.Done()
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		defer func() { <-s.slots }()

		// The task may have been removed or replaced while waiting for a slot.
		s.mu.Lock()
		t := s.tasks[uri]
		if s.closed || t == nil || t.gen != gen {
			s.mu.Unlock()
			return nil
		}
		t.running = true
		s.mu.Unlock()

		s.attemptUpload(ctx, uri, gen)
		return nil
	})
}

// RemoveFromSchedule opts uri out. It cancels a pending task, records OptOut
// and withdraws the notification. With nothing scheduled for uri it does
// nothing beyond normalizing an orphaned pending row.
func (s *Scheduler) RemoveFromSchedule(ctx context.Context, uri string) error {
	s.mu.Lock()
	t, ok := s.tasks[uri]
	if ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		// A running attempt sees the missing task and ends in OptOut.
		delete(s.tasks, uri)
	}
	s.mu.Unlock()

	rec, err := s.deps.Store.Get(ctx, uri)
	if err != nil {
		return err
	}
	if !ok {
		if rec == nil || !rec.State.Pending() {
			return nil
		}
		// Admitted but not yet scheduled (settle delay), or orphaned by a crash.
		return s.put(ctx, rec.With(media.StateOptOut))
	}

	next := media.Record{URI: uri, State: media.StateOptOut}
	if rec != nil {
		next = rec.With(media.StateOptOut)
	}
	if err := s.put(ctx, next); err != nil {
		return err
	}
	s.present(func(c context.Context) error { return s.deps.Presenter.Withdraw(c, uri) }, uri)
	s.log.Info("upload opted out", logx.URI(uri))
	return nil
}

// UploadImmediately cancels the pending delay for uri and attempts the upload
// on the calling goroutine. It is a no-op if an attempt is already running.
func (s *Scheduler) UploadImmediately(ctx context.Context, uri string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	if t, ok := s.tasks[uri]; ok {
		if t.running {
			s.mu.Unlock()
			return nil
		}
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	s.gen++
	gen := s.gen
	s.tasks[uri] = &task{gen: gen, running: true}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	// Link the caller's ctx with the scheduler's so shutdown can abort it.
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.sup.Context(), cancel)
	defer stop()

	select {
	case s.slots <- struct{}{}:
	case <-actx.Done():
		s.drop(uri, gen)
		return actx.Err()
	}
	defer func() { <-s.slots }()

	s.attemptUpload(actx, uri, gen)
	return nil
}

// RemoveAllFromSchedule cancels every pending task, waits for in-flight
// attempts, withdraws every notification and sweeps Scheduled rows to OptOut.
// The scheduler accepts no work afterwards. If ctx expires while waiting,
// in-flight uploads are canceled.
func (s *Scheduler) RemoveAllFromSchedule(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	uris := make([]string, 0, len(s.tasks))
	for uri, t := range s.tasks {
		uris = append(uris, uri)
		if t.timer != nil {
			t.timer.Stop()
		}
		if !t.running {
			delete(s.tasks, uri)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("in-flight uploads still running at shutdown; canceling", logx.Err(ctx.Err()))
		s.sup.Cancel()
		<-done
	}

	for _, uri := range uris {
		s.present(func(c context.Context) error { return s.deps.Presenter.Withdraw(c, uri) }, uri)
	}

	n, err := s.deps.Store.MarkAllScheduledOptOut(context.WithoutCancel(ctx))
	s.sup.Cancel()

	s.mu.Lock()
	s.tasks = map[string]*task{}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("shutdown sweep: %w", err)
	}
	s.log.Info("upload schedule cleared", logx.Int("canceled", len(uris)), logx.Int("swept", n))
	return nil
}

// attemptUpload runs one attempt for uri. Every failure is absorbed here.
func (s *Scheduler) attemptUpload(ctx context.Context, uri string, gen uint64) {
	log := s.log.With(logx.URI(uri))
	// Persisting must not be cut short by a canceled upload.
	pctx := context.WithoutCancel(ctx)

	rec, err := s.deps.Store.Get(pctx, uri)
	if err != nil {
		log.Error("load record failed", logx.Err(err))
		s.drop(uri, gen)
		return
	}
	if rec == nil {
		rec = &media.Record{URI: uri, State: media.StateScheduled}
	}
	if rec.State.Terminal() {
		log.Debug("attempt skipped; record is terminal", logx.String("state", string(rec.State)))
		s.present(func(c context.Context) error { return s.deps.Presenter.Withdraw(c, uri) }, uri)
		s.drop(uri, gen)
		return
	}

	cur := rec.With(media.StateUploading)
	if err := s.put(pctx, cur); err != nil {
		log.Error("persist uploading failed", logx.Err(err))
		s.drop(uri, gen)
		return
	}
	s.present(func(c context.Context) error { return s.deps.Presenter.ShowUploading(c, uri) }, uri)

	data, err := s.readSource(ctx, uri)
	if err != nil {
		log.Warn("source unreadable; giving up", logx.Err(err))
		s.finish(pctx, uri, gen, cur.With(media.StateError))
		return
	}
	if !s.owns(uri, gen) {
		s.finish(pctx, uri, gen, cur.With(media.StateOptOut))
		return
	}

	ok := s.deps.Client.Upload(ctx, data, s.deps.Channel())

	if ok {
		log.Info("photo uploaded", logx.Int("failed_before", cur.FailedCount))
		s.finish(pctx, uri, gen, cur.With(media.StateUploaded))
		return
	}

	cur.FailedCount++
	ceiling := s.Policy().Ceiling
	if cur.FailedCount >= ceiling {
		log.Warn("upload failed; ceiling reached", logx.Int("failed_count", cur.FailedCount))
		s.finish(pctx, uri, gen, cur.With(media.StateError))
		return
	}
	log.Info("upload failed; retrying", logx.Int("failed_count", cur.FailedCount), logx.Int("ceiling", ceiling))
	s.retry(pctx, uri, gen, cur.With(media.StateScheduled))
}

// retry persists rec as Scheduled and re-arms uri's own task. The task stays
// running until it is re-armed, so UploadImmediately and AddToSchedule cannot
// start a second attempt in between.
func (s *Scheduler) retry(ctx context.Context, uri string, gen uint64, rec media.Record) {
	if !s.owns(uri, gen) {
		s.optOutAfter(ctx, rec)
		return
	}
	if err := s.put(ctx, rec); err != nil {
		s.log.Error("persist retry failed", logx.URI(uri), logx.Err(err))
		s.drop(uri, gen)
		return
	}
	delay := s.Policy().Delay
	s.present(func(c context.Context) error { return s.deps.Presenter.ShowScheduled(c, uri, delay) }, uri)

	s.mu.Lock()
	t := s.tasks[uri]
	own := t != nil && t.gen == gen
	switch {
	case own && s.closed:
		// The shutdown sweep turns the Scheduled row into OptOut.
		delete(s.tasks, uri)
	case own:
		s.arm(uri, delay)
	}
	s.mu.Unlock()
	if !own {
		s.optOutAfter(ctx, rec)
	}
}

func (s *Scheduler) readSource(ctx context.Context, uri string) ([]byte, error) {
	if s.deps.Source == nil {
		return nil, errors.New("no source opener configured")
	}
	rc, err := s.deps.Source.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// finish persists a terminal record, withdraws the notification and drops
// the task. An opt-out that removed the task at any point before the drop
// wins, even one that landed while rec was being written.
func (s *Scheduler) finish(ctx context.Context, uri string, gen uint64, rec media.Record) {
	if !s.owns(uri, gen) {
		rec = rec.With(media.StateOptOut)
	}
	if err := s.put(ctx, rec); err != nil {
		s.log.Error("persist final state failed", logx.URI(uri), logx.String("state", string(rec.State)), logx.Err(err))
	}
	s.present(func(c context.Context) error { return s.deps.Presenter.Withdraw(c, uri) }, uri)

	s.mu.Lock()
	t := s.tasks[uri]
	own := t != nil && t.gen == gen
	if own {
		delete(s.tasks, uri)
	}
	s.mu.Unlock()
	if !own && rec.State != media.StateOptOut {
		s.optOutAfter(ctx, rec)
	}
}

// optOutAfter rewrites rec as OptOut once an attempt learns its task was
// removed by RemoveFromSchedule.
func (s *Scheduler) optOutAfter(ctx context.Context, rec media.Record) {
	s.log.Info("opt-out during upload; keeping opt-out", logx.URI(rec.URI), logx.String("was", string(rec.State)))
	if err := s.put(ctx, rec.With(media.StateOptOut)); err != nil {
		s.log.Error("persist opt-out failed", logx.URI(rec.URI), logx.Err(err))
	}
}

func (s *Scheduler) drop(uri string, gen uint64) {
	s.mu.Lock()
	if t := s.tasks[uri]; t != nil && t.gen == gen {
		delete(s.tasks, uri)
	}
	s.mu.Unlock()
}

func (s *Scheduler) put(ctx context.Context, rec media.Record) error {
	if err := s.deps.Store.Put(ctx, rec); err != nil {
		return err
	}
	eventbus.PublishRecord(s.deps.Bus, rec)
	return nil
}

func (s *Scheduler) present(fn func(ctx context.Context) error, uri string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn("notification update failed", logx.URI(uri), logx.Err(err))
	}
}
