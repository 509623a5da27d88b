package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"report-pipeline/internal/realtime"
)

const topic = "report:acme:jobs"

// script describes one fake connection: how dial and subscribe behave, the
// events delivered, and the error that ends it (nil blocks until cancelled).
type script struct {
	dialErr      error
	subscribeErr error
	events       []realtime.Event
	endErr       error
}

type fakeTransport struct {
	mu      sync.Mutex
	scripts []script
	dials   int
	tokens  []string
}

func (f *fakeTransport) Dial(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	sc := script{dialErr: errors.New("connection refused")}
	if len(f.scripts) > 0 {
		sc, f.scripts = f.scripts[0], f.scripts[1:]
	}
	if sc.dialErr != nil {
		return nil, sc.dialErr
	}
	return &fakeConn{t: f, sc: sc}, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) presented() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type fakeConn struct {
	t  *fakeTransport
	sc script
}

func (c *fakeConn) Subscribe(_ context.Context, _, token string) error {
	c.t.mu.Lock()
	c.t.tokens = append(c.t.tokens, token)
	c.t.mu.Unlock()
	return c.sc.subscribeErr
}

func (c *fakeConn) Next(ctx context.Context) (realtime.Event, error) {
	if len(c.sc.events) > 0 {
		ev := c.sc.events[0]
		c.sc.events = c.sc.events[1:]
		return ev, nil
	}
	if c.sc.endErr != nil {
		return realtime.Event{}, c.sc.endErr
	}
	<-ctx.Done()
	return realtime.Event{}, ctx.Err()
}

func (c *fakeConn) Close() error { return nil }

type countingToken struct {
	mu        sync.Mutex
	n         int
	refreshes int
}

func (c *countingToken) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		c.n = 1
	}
	return tokenName(c.n), nil
}

func (c *countingToken) Refresh(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.refreshes++
	return tokenName(c.n), nil
}

func tokenName(n int) string {
	return "token-" + string(rune('0'+n))
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testOptions(rec *sleepRecorder) Options {
	opts := DefaultOptions()
	opts.Sleep = rec.sleep
	return opts
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription %s still running with status %s", sub.Topic(), sub.Status())
	}
}

func requireDelays(t *testing.T, want, got []time.Duration) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, float64(want[i]), float64(got[i]), float64(time.Millisecond), "delay %d", i)
	}
}

func TestBackoffIsBoundedAndGivesUp(t *testing.T) {
	tr := &fakeTransport{}
	rec := &sleepRecorder{}
	m := NewManager(tr, StaticToken("t"), testOptions(rec))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	waitDone(t, sub)

	require.Equal(t, StatusGaveUp, sub.Status())
	require.ErrorIs(t, sub.Err(), ErrGaveUp)
	require.ErrorContains(t, sub.Err(), "connection refused")
	// One initial attempt plus three reconnects.
	require.Equal(t, 4, tr.dialCount())
	requireDelays(t, []time.Duration{500 * time.Millisecond, 900 * time.Millisecond, 1620 * time.Millisecond}, rec.recorded())

	var total time.Duration
	for _, d := range rec.recorded() {
		total += d
	}
	require.LessOrEqual(t, total, 3021*time.Millisecond)

	// A gave-up topic leaves the registry so it can be subscribed again.
	require.Zero(t, m.Len())
}

func TestReconnectDisabledGivesUpOnFirstFailure(t *testing.T) {
	tr := &fakeTransport{}
	rec := &sleepRecorder{}
	opts := testOptions(rec)
	opts.Reconnect = false
	m := NewManager(tr, StaticToken("t"), opts)
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	waitDone(t, sub)

	require.Equal(t, StatusGaveUp, sub.Status())
	require.Equal(t, 1, tr.dialCount())
	require.Empty(t, rec.recorded())
}

func TestSuccessfulSubscribeResetsRetryCounter(t *testing.T) {
	tr := &fakeTransport{scripts: []script{
		{dialErr: errors.New("refused")},
		{endErr: errors.New("connection reset")},
	}}
	rec := &sleepRecorder{}
	m := NewManager(tr, StaticToken("t"), testOptions(rec))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	waitDone(t, sub)

	require.Equal(t, StatusGaveUp, sub.Status())
	require.Equal(t, 5, tr.dialCount())
	requireDelays(t, []time.Duration{
		500 * time.Millisecond,
		500 * time.Millisecond,
		900 * time.Millisecond,
		1620 * time.Millisecond,
	}, rec.recorded())
}

func TestAuthExpiredRefreshesToken(t *testing.T) {
	tr := &fakeTransport{scripts: []script{
		{subscribeErr: ErrAuthExpired},
		{},
	}}
	rec := &sleepRecorder{}
	tokens := &countingToken{}
	m := NewManager(tr, tokens, testOptions(rec))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Status() == StatusSubscribed }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"token-1", "token-2"}, tr.presented())
	require.Equal(t, 1, tokens.refreshes)
	require.Empty(t, rec.recorded())
}

func TestRepeatedAuthExpiredCountsAsFailure(t *testing.T) {
	tr := &fakeTransport{scripts: []script{
		{subscribeErr: ErrAuthExpired},
		{subscribeErr: ErrAuthExpired},
		{subscribeErr: ErrAuthExpired},
		{subscribeErr: ErrAuthExpired},
		{subscribeErr: ErrAuthExpired},
	}}
	rec := &sleepRecorder{}
	tokens := &countingToken{}
	m := NewManager(tr, tokens, testOptions(rec))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	waitDone(t, sub)

	require.Equal(t, StatusGaveUp, sub.Status())
	require.ErrorIs(t, sub.Err(), ErrAuthExpired)
	require.Equal(t, 1, tokens.refreshes)
	require.Len(t, rec.recorded(), 3)
}

func TestForbiddenIsTerminal(t *testing.T) {
	tr := &fakeTransport{scripts: []script{{subscribeErr: ErrForbidden}}}
	rec := &sleepRecorder{}
	m := NewManager(tr, StaticToken("t"), testOptions(rec))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	waitDone(t, sub)
	require.ErrorIs(t, sub.Err(), ErrForbidden)
	require.Empty(t, rec.recorded())
}

func TestDuplicateSubscribeReturnsExisting(t *testing.T) {
	tr := &fakeTransport{scripts: []script{{}}}
	m := NewManager(tr, StaticToken("t"), testOptions(&sleepRecorder{}))
	defer m.Close()

	first, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	second, err := m.Subscribe(topic, func(realtime.Event) { t.Error("second handler must not be installed") })
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, m.Len())

	require.Eventually(t, func() bool { return first.Status() == StatusSubscribed }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, tr.dialCount())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	tr := &fakeTransport{scripts: []script{{}, {}}}
	m := NewManager(tr, StaticToken("t"), testOptions(&sleepRecorder{}))
	defer m.Close()

	sub, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Status() == StatusSubscribed }, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	m.Unsubscribe(topic)
	m.Unsubscribe("report:acme:jobs:unknown")
	waitDone(t, sub)
	require.Equal(t, StatusClosed, sub.Status())
	require.Zero(t, m.Len())

	again, err := m.Subscribe(topic, nil)
	require.NoError(t, err)
	require.NotSame(t, sub, again)
}

func TestCloseStopsEverything(t *testing.T) {
	tr := &fakeTransport{scripts: []script{{}, {}}}
	m := NewManager(tr, StaticToken("t"), testOptions(&sleepRecorder{}))

	a, err := m.Subscribe("report:acme:jobs", nil)
	require.NoError(t, err)
	b, err := m.Subscribe("org:acme:reports", nil)
	require.NoError(t, err)

	m.Close()
	m.Close()
	waitDone(t, a)
	waitDone(t, b)

	_, err = m.Subscribe(topic, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	m := NewManager(&fakeTransport{}, StaticToken("t"), testOptions(&sleepRecorder{}))
	defer m.Close()
	_, err := m.Subscribe("jobs", nil)
	require.Error(t, err)
	require.Zero(t, m.Len())
}

func TestHandlerSeesOnlyMonotonicUpdates(t *testing.T) {
	base := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)
	ev := func(status string, offset time.Duration) realtime.Event {
		return realtime.Event{Kind: realtime.KindJob, ID: "job-1", TenantID: "acme", Status: status, UpdatedAt: base.Add(offset)}
	}
	tr := &fakeTransport{scripts: []script{{events: []realtime.Event{
		ev("pending", 0),
		ev("running", time.Second),
		ev("pending", 0),
		ev("succeeded", 2*time.Second),
		ev("running", time.Second),
	}}}}
	var mu sync.Mutex
	var seen []string
	m := NewManager(tr, StaticToken("t"), testOptions(&sleepRecorder{}))
	defer m.Close()

	_, err := m.Subscribe(topic, func(e realtime.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Status)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"pending", "running", "succeeded"}, seen)

	held, ok := m.State().Get(realtime.KindJob, "job-1")
	require.True(t, ok)
	require.Equal(t, "succeeded", held.Status)
}

func TestStateMerge(t *testing.T) {
	s := NewState()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, s.Merge(realtime.Event{Kind: realtime.KindJob, ID: "a", Status: "running", UpdatedAt: t0.Add(time.Minute)}))
	require.False(t, s.Merge(realtime.Event{Kind: realtime.KindJob, ID: "a", Status: "pending", UpdatedAt: t0}))
	// Equal timestamps are accepted; duplicates are harmless.
	require.True(t, s.Merge(realtime.Event{Kind: realtime.KindJob, ID: "a", Status: "running", UpdatedAt: t0.Add(time.Minute)}))
	// Reports and jobs never collide even with the same id.
	require.True(t, s.Merge(realtime.Event{Kind: realtime.KindReport, ID: "a", Status: "ready", UpdatedAt: t0}))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, realtime.KindJob, snap[0].Kind)
	require.Equal(t, "running", snap[0].Status)
}

func TestRefreshingToken(t *testing.T) {
	n := 0
	src := NewRefreshingToken(func(context.Context) (string, error) {
		n++
		return tokenName(n), nil
	})
	ctx := context.Background()

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-1", tok)
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-1", tok)
	tok, err = src.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-2", tok)
}
