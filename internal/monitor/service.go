// Package monitor runs monitoring sessions: it watches photo folders, admits
// new photos, schedules their uploads and reacts to control signals until the
// session is stopped by the user, the auto-stop deadline or process shutdown.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fotomator/internal/autostop"
	"fotomator/internal/chat"
	"fotomator/internal/eventbus"
	"fotomator/internal/intake"
	"fotomator/internal/media"
	"fotomator/internal/notify"
	"fotomator/internal/prefs"
	rtsup "fotomator/internal/runtime/supervisor"
	"fotomator/internal/storage"
	"fotomator/internal/upload"
	"fotomator/internal/watcher"
	logx "fotomator/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrNotConfigured  = errors.New("monitoring not configured")
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
	// ErrDeadlinePassed means the persisted auto-stop deadline elapsed while
	// nothing was running. Start treats it as a fired auto-stop.
	ErrDeadlinePassed = errors.New("auto-stop deadline already passed")
)

// StopReason says why a session ended. User and auto-stop reasons disable
// monitoring persistently; shutdown keeps it enabled for the next boot.
type StopReason string

const (
	ReasonUserRequest StopReason = "user_request"
	ReasonAutoStop    StopReason = "auto_stop"
	ReasonShutdown    StopReason = "shutdown"
)

func (r StopReason) disables() bool { return r == ReasonUserRequest || r == ReasonAutoStop }

const (
	DefaultSettleDelay    = 2 * time.Second
	DefaultRescanSchedule = "@every 5m"
)

// MediaSource is the watcher side of a session.
type MediaSource interface {
	Run(ctx context.Context) error
	Changes() <-chan watcher.Change
	Latest(c watcher.Collection) (watcher.Item, bool, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

type Config struct {
	Policy  upload.Policy
	Workers int
	// SettleDelay is waited between admission and scheduling so the file is
	// fully written.
	SettleDelay time.Duration
	// RescanSchedule is a cron spec for the periodic latest-item scan.
	// Empty disables it.
	RescanSchedule string
	// RequireToken makes Start fail without a stored auth token.
	RequireToken bool
	// StopTimeout bounds how long Stop waits for in-flight uploads.
	StopTimeout time.Duration
}

type Deps struct {
	Store     storage.Store
	Prefs     *prefs.Prefs
	Client    chat.Client
	Presenter notify.Presenter
	Media     MediaSource
	// Signals carries user actions from the notification surface.
	Signals <-chan notify.Signal
	Bus     eventbus.Bus
	// OnStatus receives the ongoing status line whenever it changes.
	OnStatus func(status string)
	Log      logx.Logger
}

// SessionInfo describes the running session.
type SessionInfo struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	Until     *time.Time `json:"until,omitempty"`
}

type session struct {
	info    SessionInfo
	channel string
	sup     *rtsup.Supervisor
	sched   *upload.Scheduler
	cron    *cron.Cron
}

type Service struct {
	base context.Context
	deps Deps
	log  logx.Logger
	gate *intake.Gate
	stop *autostop.Timer
	// bg owns goroutines that must outlive a session (asynchronous stops).
	bg *rtsup.Supervisor

	startMu sync.Mutex // serializes Start and Stop

	mu   sync.Mutex
	cfg  Config
	sess *session
}

// New returns an idle service. base bounds every session it starts.
func New(base context.Context, cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "monitor"))
	deps.Log = log
	if deps.Presenter == nil {
		deps.Presenter = notify.NewLogPresenter(log)
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	s := &Service{
		base: base,
		deps: deps,
		log:  log,
		gate: intake.New(deps.Store),
		bg:   rtsup.New(base, rtsup.WithLogger(log)),
		cfg:  normalize(cfg),
	}
	s.stop = autostop.New(s.onAutoStop, log)
	return s
}

func normalize(cfg Config) Config {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	cfg.RescanSchedule = strings.TrimSpace(cfg.RescanSchedule)
	return cfg
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// Session returns the running session, if any.
func (s *Service) Session() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return SessionInfo{}, false
	}
	info := s.sess.info
	if d, ok := s.stop.Deadline(); ok {
		info.Until = &d
	}
	return info, true
}

// Status is the ongoing status line.
func (s *Service) Status() string {
	if !s.Running() {
		return "Stopped"
	}
	return s.stop.Subtitle()
}

// Start begins a session. It needs a destination channel (and a token when
// RequireToken is set).
func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.Running() {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	channel, _, err := s.deps.Prefs.Channel(ctx)
	if err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("%w: no destination channel", ErrNotConfigured)
	}
	if cfg.RequireToken {
		tok, err := s.deps.Prefs.Token(ctx)
		if err != nil {
			return err
		}
		if tok == "" {
			return fmt.Errorf("%w: not authorized", ErrNotConfigured)
		}
	}

	at, err := s.deps.Prefs.AutoStopAt(ctx)
	if err != nil {
		s.log.Warn("auto-stop deadline unreadable", logx.Err(err))
		at = nil
	}
	if at != nil && !at.After(time.Now()) {
		s.log.Info("auto-stop deadline passed while stopped", logx.Time("deadline", *at))
		if err := errors.Join(
			s.deps.Prefs.SetMonitoringEnabled(ctx, false),
			s.deps.Prefs.SetAutoStopAt(ctx, nil),
		); err != nil {
			return err
		}
		return ErrDeadlinePassed
	}

	if err := s.deps.Prefs.SetMonitoringEnabled(ctx, true); err != nil {
		return fmt.Errorf("persist monitoring flag: %w", err)
	}

	info := SessionInfo{ID: uuid.NewString(), StartedAt: time.Now()}
	log := s.log.With(logx.Session(info.ID))
	sup := rtsup.New(s.base, rtsup.WithLogger(log))
	sess := &session{
		info:    info,
		channel: channel,
		sup:     sup,
		// The scheduler outlives the session supervisor so Stop can let
		// in-flight uploads finish.
		sched: upload.New(s.base, upload.Config{Policy: cfg.Policy, Workers: cfg.Workers}, upload.Deps{
			Store:     s.deps.Store,
			Client:    s.deps.Client,
			Presenter: s.deps.Presenter,
			Source:    s.deps.Media,
			Channel:   s.channelFunc(channel),
			Bus:       s.deps.Bus,
			Log:       log,
		}),
	}

	if err := s.firstRun(ctx); err != nil {
		log.Warn("first-run opt-out failed", logx.Err(err))
	}
	if err := s.reconcile(ctx, sess.sched); err != nil {
		log.Warn("startup reconciliation failed", logx.Err(err))
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	sup.GoRestart("media.watch", s.deps.Media.Run,
		rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
	sup.Go0("media.changes", func(c context.Context) { s.changeLoop(c, sess) })
	if s.deps.Signals != nil {
		sup.Go0("signals", func(c context.Context) { s.signalLoop(c) })
	}
	sup.Go0("rescan.initial", func(c context.Context) { s.rescan(c, sess) })

	if cfg.RescanSchedule != "" {
		c, err := s.startCron(cfg.RescanSchedule, sess)
		if err != nil {
			log.Warn("invalid rescan schedule; periodic rescan disabled", logx.String("spec", cfg.RescanSchedule), logx.Err(err))
		} else {
			sess.cron = c
		}
	}

	s.stop.Set(at)
	s.showOngoing(ctx)

	eventbus.PublishSession(s.deps.Bus, eventbus.Session{ID: info.ID, Running: true})
	log.Info("monitoring started", logx.String("channel", channel))
	return nil
}

// channelFunc re-reads the destination at attempt time so a channel change
// applies to pending uploads.
func (s *Service) channelFunc(fallback string) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		id, _, err := s.deps.Prefs.Channel(ctx)
		if err != nil || id == "" {
			return fallback
		}
		return id
	}
}

// Stop ends the session. It is a no-op when nothing runs.
//
// A user or auto stop disables monitoring and clears the auto-stop deadline.
// ReasonShutdown keeps both so the next boot resumes under the same deadline;
// a deadline that passes while the process is down ends monitoring at that
// boot (see ErrDeadlinePassed).
func (s *Service) Stop(ctx context.Context, reason StopReason) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	log := s.log.With(logx.Session(sess.info.ID), logx.String("reason", string(reason)))

	if sess.cron != nil {
		<-sess.cron.Stop().Done()
	}
	s.stop.Clear()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sess.sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("session goroutines did not stop cleanly", logx.Err(err))
	}

	var errs []error
	if err := sess.sched.RemoveAllFromSchedule(wctx); err != nil {
		errs = append(errs, err)
	}
	pctx := context.WithoutCancel(ctx)
	if err := s.deps.Presenter.WithdrawOngoing(pctx); err != nil {
		log.Debug("withdraw ongoing notice failed", logx.Err(err))
	}
	if reason.disables() {
		errs = append(errs,
			s.deps.Prefs.SetMonitoringEnabled(pctx, false),
			s.deps.Prefs.SetAutoStopAt(pctx, nil),
		)
	}
	if s.deps.OnStatus != nil {
		s.deps.OnStatus("Stopped")
	}
	eventbus.PublishSession(s.deps.Bus, eventbus.Session{ID: sess.info.ID, Reason: string(reason)})
	log.Info("monitoring stopped", logx.Duration("uptime", time.Since(sess.info.StartedAt).Round(time.Second)))
	return errors.Join(errs...)
}

// Close stops any session as a shutdown and waits for background work.
func (s *Service) Close(ctx context.Context) error {
	err := s.Stop(ctx, ReasonShutdown)
	if werr := s.bg.Stop(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	return err
}

func (s *Service) onAutoStop(deadline time.Time) {
	s.bg.Go0("autostop", func(context.Context) {
		ctx := context.WithoutCancel(s.base)
		s.log.Info("stopping at auto-stop deadline", logx.Time("deadline", deadline))
		if err := s.Stop(ctx, ReasonAutoStop); err != nil {
			s.log.Warn("auto-stop failed", logx.Err(err))
		}
	})
}

// SetAutoStop persists a new deadline and applies it to the running session.
// A deadline that already passed clears it.
func (s *Service) SetAutoStop(ctx context.Context, at *time.Time) error {
	if at != nil && !at.After(time.Now()) {
		s.log.Warn("auto-stop deadline already passed; clearing", logx.Time("deadline", *at))
		at = nil
	}
	if err := s.deps.Prefs.SetAutoStopAt(ctx, at); err != nil {
		return err
	}
	if !s.Running() {
		return nil
	}
	s.stop.Set(at)
	s.showOngoing(ctx)
	return nil
}

// SetPolicy applies to uploads scheduled afterwards.
func (s *Service) SetPolicy(p upload.Policy) {
	s.mu.Lock()
	s.cfg.Policy = p
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		sess.sched.SetPolicy(p)
	}
}

// SetRescanSchedule takes effect at the next session start.
func (s *Service) SetRescanSchedule(spec string) {
	s.mu.Lock()
	s.cfg.RescanSchedule = strings.TrimSpace(spec)
	s.mu.Unlock()
}

func (s *Service) showOngoing(ctx context.Context) {
	status := s.stop.Subtitle()
	if err := s.deps.Presenter.ShowOngoing(ctx, status); err != nil {
		s.log.Warn("show ongoing notice failed", logx.Err(err))
	}
	if s.deps.OnStatus != nil {
		s.deps.OnStatus(status)
	}
}

// Dispatch applies a control signal to the running session.
func (s *Service) Dispatch(ctx context.Context, sig notify.Signal) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ErrNotRunning
	}
	log := s.log.With(logx.String("signal", string(sig.Kind)))

	switch sig.Kind {
	case notify.SignalOptOut:
		return sess.sched.RemoveFromSchedule(ctx, sig.URI)
	case notify.SignalUploadImmediately:
		sess.sup.Go0("upload.now", func(c context.Context) {
			if err := sess.sched.UploadImmediately(c, sig.URI); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("upload now failed", logx.URI(sig.URI), logx.Err(err))
			}
		})
		return nil
	case notify.SignalStopService:
		// Stop waits for session goroutines, so it cannot run on one.
		s.bg.Go0("stop.user", func(context.Context) {
			if err := s.Stop(context.WithoutCancel(s.base), ReasonUserRequest); err != nil {
				log.Warn("stop failed", logx.Err(err))
			}
		})
		return nil
	}
	return fmt.Errorf("unknown signal %q", sig.Kind)
}

func (s *Service) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.deps.Signals:
			if !ok {
				return
			}
			if err := s.Dispatch(ctx, sig); err != nil {
				s.log.Warn("signal failed", logx.String("signal", string(sig.Kind)), logx.URI(sig.URI), logx.Err(err))
			}
		}
	}
}

func (s *Service) changeLoop(ctx context.Context, sess *session) {
	changes := s.deps.Media.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			sess.sup.Go0("media.change", func(c context.Context) { s.handleLatest(c, sess, ch.Collection) })
		}
	}
}

// handleLatest admits the newest photo of a collection and schedules it
// after the settle delay.
func (s *Service) handleLatest(ctx context.Context, sess *session, c watcher.Collection) {
	item, ok, err := s.deps.Media.Latest(c)
	if err != nil {
		s.log.Warn("latest photo query failed", logx.String("collection", string(c)), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	res, err := s.gate.Admit(ctx, item.URI)
	if err != nil {
		s.log.Warn("admit failed", logx.URI(item.URI), logx.Err(err))
		return
	}
	if res != intake.Admitted {
		s.log.Debug("photo already known", logx.URI(item.URI))
		return
	}
	s.log.Info("new photo", logx.URI(item.URI), logx.String("collection", string(c)))

	s.mu.Lock()
	settle := s.cfg.SettleDelay
	s.mu.Unlock()
	if settle > 0 {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			// the admitted row stays Scheduled and is swept by Stop
			return
		case <-t.C:
		}
	}
	sess.sched.AddToSchedule(item.URI)
}

func (s *Service) rescan(ctx context.Context, sess *session) {
	for _, c := range watcher.Collections() {
		if ctx.Err() != nil {
			return
		}
		s.handleLatest(ctx, sess, c)
	}
}

func (s *Service) startCron(spec string, sess *session) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddJob(spec, cron.FuncJob(func() {
		ctx := sess.sup.Context()
		if ctx.Err() != nil {
			return
		}
		s.log.Debug("periodic rescan")
		s.rescan(ctx, sess)
	}))
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// firstRun opts out the current latest photos so a fresh install never
// uploads old pictures.
func (s *Service) firstRun(ctx context.Context) error {
	first, err := s.deps.Prefs.FirstRun(ctx)
	if err != nil || !first {
		return err
	}
	var errs []error
	for _, c := range watcher.Collections() {
		item, ok, err := s.deps.Media.Latest(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := s.gate.AdmitOptOut(ctx, item.URI); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("first run: existing photo opted out", logx.URI(item.URI))
	}
	errs = append(errs, s.deps.Prefs.MarkFirstRunDone(ctx))
	return errors.Join(errs...)
}

// reconcile resumes rows orphaned by a crash. Readable sources are
// rescheduled with their failure count kept; unreadable ones become Error.
func (s *Service) reconcile(ctx context.Context, sched *upload.Scheduler) error {
	rows, err := s.deps.Store.ListByState(ctx, media.StateScheduled, media.StateUploading)
	if err != nil {
		return err
	}
	var errs []error
	resumed := 0
	for _, rec := range rows {
		rc, err := s.deps.Media.Open(ctx, rec.URI)
		if err != nil {
			s.log.Info("orphaned photo unreadable; marking error", logx.URI(rec.URI), logx.Err(err))
			errs = append(errs, s.deps.Store.Put(ctx, rec.With(media.StateError)))
			continue
		}
		_ = rc.Close()
		if rec.State != media.StateScheduled {
			if err := s.deps.Store.Put(ctx, rec.With(media.StateScheduled)); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		sched.AddToSchedule(rec.URI)
		resumed++
	}
	if resumed > 0 {
		s.log.Info("resumed orphaned uploads", logx.Int("count", resumed))
	}
	return errors.Join(errs...)
}
