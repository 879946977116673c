package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fotomator/internal/chat"
	"fotomator/internal/eventbus"
	"fotomator/internal/media"
	"fotomator/internal/notify"
	"fotomator/internal/storage"
	logx "fotomator/pkg/logx"
)

type fakeClient struct {
	mu       sync.Mutex
	results  []bool // consumed in order; last value repeats
	calls    int32
	channels []string

	started chan struct{} // if set, receives once per call
	release chan struct{} // if set, each call blocks until a receive succeeds
}

func (c *fakeClient) Upload(ctx context.Context, data []byte, channelID string) bool {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.channels = append(c.channels, channelID)
	ok := true
	if len(c.results) > 0 {
		ok = c.results[0]
		if len(c.results) > 1 {
			c.results = c.results[1:]
		}
	}
	c.mu.Unlock()
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return false
		}
	}
	return ok
}

func (c *fakeClient) ListChannels(context.Context) []chat.Channel { return nil }

func (c *fakeClient) ExchangeAuthCode(context.Context, string) *chat.AuthResult { return nil }

func (c *fakeClient) Calls() int { return int(atomic.LoadInt32(&c.calls)) }

func (c *fakeClient) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

type fakePresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePresenter) add(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *fakePresenter) ShowScheduled(_ context.Context, uri string, _ time.Duration) error {
	p.add("scheduled:" + uri)
	return nil
}

func (p *fakePresenter) ShowUploading(_ context.Context, uri string) error {
	p.add("uploading:" + uri)
	return nil
}

func (p *fakePresenter) Withdraw(_ context.Context, uri string) error {
	p.add("withdraw:" + uri)
	return nil
}

func (p *fakePresenter) ShowOngoing(context.Context, string) error { return nil }
func (p *fakePresenter) WithdrawOngoing(context.Context) error     { return nil }

func (p *fakePresenter) Count(ev string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (p *fakePresenter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func okSource(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("jpeg"))), nil
}

// gatedPresenter blocks the nth ShowScheduled call until release is closed.
type gatedPresenter struct {
	*fakePresenter
	n       int32
	calls   int32
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPresenter) ShowScheduled(ctx context.Context, uri string, d time.Duration) error {
	if atomic.AddInt32(&p.calls, 1) == p.n {
		close(p.entered)
		<-p.release
	}
	return p.fakePresenter.ShowScheduled(ctx, uri, d)
}

// blockingStore holds the first write of a final Uploaded or Error row until
// release is closed.
type blockingStore struct {
	storage.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Put(ctx context.Context, rec media.Record) error {
	if rec.State == media.StateUploaded || rec.State == media.StateError {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.Put(ctx, rec)
}

type harness struct {
	store     storage.Store
	client    *fakeClient
	presenter *fakePresenter
	sched     *Scheduler
}

type harnessOpts struct {
	workers   int
	store     storage.Store
	presenter notify.Presenter
	bus       eventbus.Bus
}

func newHarness(t *testing.T, p Policy, client *fakeClient, src SourceFunc) *harness {
	t.Helper()
	return newHarnessWith(t, p, client, src, harnessOpts{})
}

func newHarnessWith(t *testing.T, p Policy, client *fakeClient, src SourceFunc, o harnessOpts) *harness {
	t.Helper()
	if src == nil {
		src = okSource
	}
	h := &harness{store: o.store, client: client, presenter: &fakePresenter{}}
	if h.store == nil {
		h.store = storage.NewMemory()
	}
	pres := o.presenter
	switch gp := pres.(type) {
	case nil:
		pres = h.presenter
	case *gatedPresenter:
		h.presenter = gp.fakePresenter
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.sched = New(ctx, Config{Policy: p, Workers: o.workers}, Deps{
		Store:     h.store,
		Client:    client,
		Presenter: pres,
		Source:    src,
		Channel:   func() string { return "C1" },
		Bus:       o.bus,
		Log:       logx.Nop(),
	})
	return h
}

func (h *harness) admit(t *testing.T, uri string) {
	t.Helper()
	if err := h.store.Put(context.Background(), media.Record{URI: uri, State: media.StateScheduled}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) record(t *testing.T, uri string) media.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), uri)
	if err != nil || rec == nil {
		t.Fatalf("get %s: rec=%v err=%v", uri, rec, err)
	}
	return *rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUploadSucceedsAfterDelay(t *testing.T) {
	h := newHarness(t, Policy{Delay: 20 * time.Millisecond, Ceiling: 5}, &fakeClient{}, nil)
	uri := "media://42"
	h.admit(t, uri)

	if existed := h.sched.AddToSchedule(uri); existed {
		t.Fatalf("expected no prior task")
	}
	if got := h.record(t, uri).State; got != media.StateScheduled {
		t.Fatalf("expected scheduled before delay, got %s", got)
	}

	waitFor(t, "uploaded", func() bool { return h.record(t, uri).State == media.StateUploaded })
	waitFor(t, "task dropped", func() bool { return !h.sched.Scheduled(uri) })

	if h.client.Calls() != 1 {
		t.Fatalf("expected 1 upload, got %d", h.client.Calls())
	}
	if ch := h.client.Channels(); len(ch) != 1 || ch[0] != "C1" {
		t.Fatalf("expected channel C1, got %v", ch)
	}
	if h.presenter.Count("withdraw:"+uri) != 1 {
		t.Fatalf("expected notification withdrawn once")
	}
}

func TestUploadGivesUpAtCeiling(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, eventbus.TopicMediaState)
	defer unsub()
	h := newHarnessWith(t, Policy{Delay: 2 * time.Millisecond, Ceiling: 5}, &fakeClient{results: []bool{false}}, nil, harnessOpts{bus: bus})
	uri := "media://7"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	// Each failure bumps the count by one and reschedules until the ceiling.
	var uploading, rescheduled []int
	timeout := time.After(3 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			ms := ev.Data.(eventbus.MediaState)
			switch ms.State {
			case media.StateUploading:
				uploading = append(uploading, ms.FailedCount)
			case media.StateScheduled:
				rescheduled = append(rescheduled, ms.FailedCount)
			case media.StateError:
				if ms.FailedCount != 5 {
					t.Fatalf("expected error at failed_count=5, got %d", ms.FailedCount)
				}
				break collect
			}
		case <-timeout:
			t.Fatalf("no error state; uploading=%v rescheduled=%v", uploading, rescheduled)
		}
	}
	if want := []int{0, 1, 2, 3, 4}; !equalInts(uploading, want) {
		t.Fatalf("uploading counts %v, want %v", uploading, want)
	}
	if want := []int{1, 2, 3, 4}; !equalInts(rescheduled, want) {
		t.Fatalf("rescheduled counts %v, want %v", rescheduled, want)
	}

	waitFor(t, "error state", func() bool { return h.record(t, uri).State == media.StateError })
	waitFor(t, "task dropped", func() bool { return !h.sched.Scheduled(uri) })

	rec := h.record(t, uri)
	if rec.FailedCount != 5 {
		t.Fatalf("expected failed_count=5, got %d", rec.FailedCount)
	}
	time.Sleep(30 * time.Millisecond)
	if h.client.Calls() != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", h.client.Calls())
	}
	if n := h.presenter.Count("uploading:" + uri); n != 5 {
		t.Fatalf("expected 5 uploading transitions, got %d", n)
	}
	if n := h.presenter.Count("scheduled:" + uri); n != 5 {
		t.Fatalf("expected initial schedule + 4 retries, got %d", n)
	}
}

func TestRetryThenSuccessKeepsCount(t *testing.T) {
	h := newHarness(t, Policy{Delay: 2 * time.Millisecond, Ceiling: 5}, &fakeClient{results: []bool{false, false, true}}, nil)
	uri := "media://retry"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	waitFor(t, "uploaded", func() bool { return h.record(t, uri).State == media.StateUploaded })
	if rec := h.record(t, uri); rec.FailedCount != 2 {
		t.Fatalf("expected failed_count=2, got %d", rec.FailedCount)
	}
}

func TestSourceUnreadableIsTerminal(t *testing.T) {
	src := func(context.Context, string) (io.ReadCloser, error) { return nil, errors.New("gone") }
	h := newHarness(t, Policy{Delay: time.Millisecond, Ceiling: 5}, &fakeClient{}, src)
	uri := "media://deleted"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	waitFor(t, "error state", func() bool { return h.record(t, uri).State == media.StateError })
	time.Sleep(20 * time.Millisecond)
	if h.client.Calls() != 0 {
		t.Fatalf("expected no upload call, got %d", h.client.Calls())
	}
	if rec := h.record(t, uri); rec.FailedCount != 0 {
		t.Fatalf("unreadable source must not count as a failed upload, got %d", rec.FailedCount)
	}
}

func TestRemoveFromScheduleWithNothingScheduledIsNoop(t *testing.T) {
	h := newHarness(t, DefaultPolicy(), &fakeClient{}, nil)
	if err := h.sched.RemoveFromSchedule(context.Background(), "media://unknown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.presenter.Len() != 0 {
		t.Fatalf("expected no notification activity, got %v", h.presenter.events)
	}
	if rec, _ := h.store.Get(context.Background(), "media://unknown"); rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}

	// A terminal record is left alone as well.
	_ = h.store.Put(context.Background(), media.Record{URI: "media://done", State: media.StateUploaded})
	if err := h.sched.RemoveFromSchedule(context.Background(), "media://done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.record(t, "media://done").State; got != media.StateUploaded {
		t.Fatalf("terminal record changed to %s", got)
	}
}

func TestRemoveFromScheduleCancelsPendingTask(t *testing.T) {
	h := newHarness(t, Policy{Delay: 30 * time.Millisecond, Ceiling: 5}, &fakeClient{}, nil)
	uri := "media://cancel"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	if err := h.sched.RemoveFromSchedule(context.Background(), uri); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Idempotent.
	if err := h.sched.RemoveFromSchedule(context.Background(), uri); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if h.client.Calls() != 0 {
		t.Fatalf("canceled task ran")
	}
	if got := h.record(t, uri).State; got != media.StateOptOut {
		t.Fatalf("expected opt_out, got %s", got)
	}
	if n := h.presenter.Count("withdraw:" + uri); n != 1 {
		t.Fatalf("expected one withdraw, got %d", n)
	}
}

func TestOptOutDuringUploadWins(t *testing.T) {
	for _, result := range []bool{true, false} {
		client := &fakeClient{results: []bool{result}, started: make(chan struct{}, 1), release: make(chan struct{})}
		h := newHarness(t, Policy{Delay: time.Millisecond, Ceiling: 5}, client, nil)
		uri := "media://race"
		h.admit(t, uri)
		h.sched.AddToSchedule(uri)

		<-client.started
		if got := h.record(t, uri).State; got != media.StateUploading {
			t.Fatalf("expected uploading while in flight, got %s", got)
		}
		if err := h.sched.RemoveFromSchedule(context.Background(), uri); err != nil {
			t.Fatalf("remove: %v", err)
		}
		close(client.release)

		waitFor(t, "attempt finished", func() bool { return h.presenter.Count("withdraw:"+uri) >= 2 })
		time.Sleep(20 * time.Millisecond)

		if got := h.record(t, uri).State; got != media.StateOptOut {
			t.Fatalf("upload result=%v: expected opt_out to win, got %s", result, got)
		}
		if client.Calls() != 1 {
			t.Fatalf("upload result=%v: expected no retry, got %d calls", result, client.Calls())
		}
		if h.sched.Scheduled(uri) {
			t.Fatalf("upload result=%v: task still registered", result)
		}
	}
}

func TestOptOutWinsOverFinalWrite(t *testing.T) {
	for _, result := range []bool{true, false} {
		st := &blockingStore{Store: storage.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
		h := newHarnessWith(t, Policy{Delay: time.Millisecond, Ceiling: 1}, &fakeClient{results: []bool{result}}, nil, harnessOpts{store: st})
		uri := "media://late"
		h.admit(t, uri)
		h.sched.AddToSchedule(uri)

		<-st.entered
		if got := h.record(t, uri).State; got != media.StateUploading {
			t.Fatalf("upload result=%v: expected uploading while the final write is pending, got %s", result, got)
		}
		if err := h.sched.RemoveFromSchedule(context.Background(), uri); err != nil {
			t.Fatalf("remove: %v", err)
		}
		close(st.release)

		waitFor(t, "task dropped", func() bool { return !h.sched.Scheduled(uri) })
		waitFor(t, "opt_out", func() bool { return h.record(t, uri).State == media.StateOptOut })
		time.Sleep(20 * time.Millisecond)
		if got := h.record(t, uri).State; got != media.StateOptOut {
			t.Fatalf("upload result=%v: final state %s, want opt_out", result, got)
		}
	}
}

func TestRetryDoesNotRaceUploadImmediately(t *testing.T) {
	gp := &gatedPresenter{fakePresenter: &fakePresenter{}, n: 2, entered: make(chan struct{}), release: make(chan struct{})}
	client := &fakeClient{results: []bool{false, true}}
	h := newHarnessWith(t, Policy{Delay: time.Millisecond, Ceiling: 5}, client, nil, harnessOpts{workers: 2, presenter: gp})
	uri := "media://d"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	// The first attempt failed and is re-arming its task.
	<-gp.entered
	if err := h.sched.UploadImmediately(context.Background(), uri); err != nil {
		t.Fatalf("upload immediately: %v", err)
	}
	if n := client.Calls(); n != 1 {
		t.Fatalf("a second attempt started while the retry was being scheduled (calls=%d)", n)
	}
	close(gp.release)

	waitFor(t, "uploaded", func() bool { return h.record(t, uri).State == media.StateUploaded })
	waitFor(t, "task dropped", func() bool { return !h.sched.Scheduled(uri) })
	time.Sleep(20 * time.Millisecond)
	if n := client.Calls(); n != 2 {
		t.Fatalf("expected one failed and one successful upload, got %d calls", n)
	}
	if rec := h.record(t, uri); rec.FailedCount != 1 {
		t.Fatalf("expected failed_count=1, got %d", rec.FailedCount)
	}
}

func TestAddToScheduleKeepsRunningAttempt(t *testing.T) {
	client := &fakeClient{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarnessWith(t, Policy{Delay: time.Millisecond, Ceiling: 5}, client, nil, harnessOpts{workers: 2})
	uri := "media://busy"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)
	<-client.started

	if !h.sched.AddToSchedule(uri) {
		t.Fatalf("expected the running task to be reported")
	}
	close(client.release)
	waitFor(t, "uploaded", func() bool { return h.record(t, uri).State == media.StateUploaded })
	time.Sleep(20 * time.Millisecond)
	if n := client.Calls(); n != 1 {
		t.Fatalf("running attempt was duplicated: %d calls", n)
	}
	if h.sched.Scheduled(uri) {
		t.Fatalf("task still registered")
	}
}

func TestRemoveAllSweepsPending(t *testing.T) {
	h := newHarness(t, Policy{Delay: time.Hour, Ceiling: 5}, &fakeClient{}, nil)
	for _, uri := range []string{"a", "b"} {
		h.admit(t, uri)
		h.sched.AddToSchedule(uri)
	}
	if h.sched.Pending() != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", h.sched.Pending())
	}

	if err := h.sched.RemoveAllFromSchedule(context.Background()); err != nil {
		t.Fatalf("remove all: %v", err)
	}

	if h.sched.Pending() != 0 {
		t.Fatalf("expected no tasks after sweep, got %d", h.sched.Pending())
	}
	for _, uri := range []string{"a", "b"} {
		if got := h.record(t, uri).State; got != media.StateOptOut {
			t.Fatalf("%s: expected opt_out, got %s", uri, got)
		}
		if n := h.presenter.Count("withdraw:" + uri); n != 1 {
			t.Fatalf("%s: expected one withdraw, got %d", uri, n)
		}
	}
	if h.sched.AddToSchedule("c") {
		t.Fatalf("stopped scheduler reported an existing task")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("stopped scheduler accepted new work")
	}
}

func TestRemoveAllWaitsForInFlightAttempt(t *testing.T) {
	client := &fakeClient{results: []bool{false}, started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, Policy{Delay: time.Millisecond, Ceiling: 5}, client, nil)
	uri := "media://inflight"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)
	<-client.started

	done := make(chan error, 1)
	go func() { done <- h.sched.RemoveAllFromSchedule(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("sweep returned while an attempt was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(client.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("remove all: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("sweep did not return")
	}

	// The failed attempt put the row back to scheduled; the sweep must have caught it.
	rec := h.record(t, uri)
	if rec.State != media.StateOptOut || rec.FailedCount != 1 {
		t.Fatalf("expected opt_out with failed_count=1, got %s/%d", rec.State, rec.FailedCount)
	}
	if client.Calls() != 1 {
		t.Fatalf("expected no retry after sweep, got %d calls", client.Calls())
	}
}

func TestUploadImmediatelySkipsDelay(t *testing.T) {
	h := newHarness(t, Policy{Delay: 60 * time.Second, Ceiling: 5}, &fakeClient{}, nil)
	uri := "media://now"
	h.admit(t, uri)
	h.sched.AddToSchedule(uri)

	start := time.Now()
	if err := h.sched.UploadImmediately(context.Background(), uri); err != nil {
		t.Fatalf("upload immediately: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("upload waited %s", took)
	}
	if got := h.record(t, uri).State; got != media.StateUploaded {
		t.Fatalf("expected uploaded, got %s", got)
	}
	if h.client.Calls() != 1 {
		t.Fatalf("expected one upload, got %d", h.client.Calls())
	}
	if h.sched.Scheduled(uri) {
		t.Fatalf("pending 60s task was not canceled")
	}
}

func TestAddToScheduleReplacesPriorTask(t *testing.T) {
	h := newHarness(t, Policy{Delay: 20 * time.Millisecond, Ceiling: 5}, &fakeClient{}, nil)
	uri := "media://twice"
	h.admit(t, uri)
	if h.sched.AddToSchedule(uri) {
		t.Fatalf("first add reported existing task")
	}
	if !h.sched.AddToSchedule(uri) {
		t.Fatalf("second add did not report existing task")
	}
	waitFor(t, "uploaded", func() bool { return h.record(t, uri).State == media.StateUploaded })
	time.Sleep(40 * time.Millisecond)
	if h.client.Calls() != 1 {
		t.Fatalf("replaced task also ran: %d calls", h.client.Calls())
	}
}

func TestPolicyNormalization(t *testing.T) {
	p := Policy{Delay: -time.Second}.normalized()
	if p.Delay != 0 || p.Ceiling != DefaultCeiling {
		t.Fatalf("unexpected normalized policy %+v", p)
	}
	if d := DefaultPolicy(); d.Delay != 60*time.Second || d.Ceiling != 5 {
		t.Fatalf("unexpected default policy %+v", d)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
