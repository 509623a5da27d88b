// Package subscriber keeps a client's realtime subscriptions alive: one
// subscription per topic, token re-presentation on every subscribe, bounded
// exponential reconnect and a monotonic merge of incoming events.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"report-pipeline/internal/config"
	"report-pipeline/internal/realtime"
)

var (
	// ErrAuthExpired is the gateway rejecting an expired token.
	ErrAuthExpired = errors.New("realtime token expired")
	// ErrForbidden is the gateway rejecting access to the topic's tenant.
	ErrForbidden = errors.New("realtime topic forbidden")
	// ErrGaveUp wraps the last error once reconnect attempts are exhausted.
	ErrGaveUp = errors.New("realtime subscription gave up")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("subscriber closed")
)

// Status is the lifecycle position of one subscription.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusSubscribed   Status = "subscribed"
	StatusReconnecting Status = "reconnecting"
	StatusGaveUp       Status = "gave_up"
	StatusClosed       Status = "closed"
)

// Transport opens a connection to the realtime gateway.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one gateway connection carrying a single topic.
type Conn interface {
	// Subscribe presents token for topic and waits for the gateway's answer.
	Subscribe(ctx context.Context, topic, token string) error
	// Next blocks until the next event or a connection error.
	Next(ctx context.Context) (realtime.Event, error)
	Close() error
}

// Handler receives events accepted by the monotonic merge.
type Handler func(ev realtime.Event)

// Options configure reconnect behavior.
type Options struct {
	Reconnect   bool
	BackoffBase time.Duration
	Growth      float64
	MaxAttempts int
	Logger      zerolog.Logger
	// Sleep waits between reconnect attempts; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnStatus, when set, observes every status change.
	OnStatus func(topic string, status Status, err error)
}

// DefaultOptions reconnect up to three times starting at 500ms, growing 1.8x.
func DefaultOptions() Options {
	return Options{
		Reconnect:   true,
		BackoffBase: 500 * time.Millisecond,
		Growth:      1.8,
		MaxAttempts: 3,
		Logger:      zerolog.Nop(),
	}
}

// OptionsFromConfig reads the REALTIME_* settings.
func OptionsFromConfig(cfg config.Config, logger zerolog.Logger) Options {
	opts := DefaultOptions()
	opts.Reconnect = cfg.RealtimeReconnect
	opts.BackoffBase = cfg.RealtimeBackoffBase
	opts.Growth = cfg.RealtimeBackoffGrowth
	opts.MaxAttempts = cfg.RealtimeMaxAttempts
	opts.Logger = logger
	if !cfg.RealtimeDebug {
		opts.Logger = logger.Level(zerolog.InfoLevel)
	}
	return opts
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.Growth < 1 {
		o.Growth = def.Growth
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// newBackOff yields base, base*growth, base*growth^2, ... exactly, without jitter.
func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BackoffBase
	b.Multiplier = o.Growth
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(o.BackoffBase) * math.Pow(o.Growth, float64(max(o.MaxAttempts, 1))))
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manager owns the topic-keyed subscription registry and the merged state.
type Manager struct {
	transport Transport
	tokens    TokenSource
	opts      Options
	state     *State

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewManager(transport Transport, tokens TokenSource, opts Options) *Manager {
	return &Manager{
		transport: transport,
		tokens:    tokens,
		opts:      opts.withDefaults(),
		state:     NewState(),
		subs:      make(map[string]*Subscription),
	}
}

// State is the merged view across all subscriptions.
func (m *Manager) State() *State { return m.state }

// Subscribe starts a subscription for topic. If one already exists it is
// returned unchanged and handler is ignored, so callers that subscribe on
// every render never stack duplicate listeners.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if _, err := realtime.TenantFromTopic(topic); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if sub, ok := m.subs[topic]; ok {
		return sub, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		topic:   topic,
		m:       m,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  StatusConnecting,
		logger:  m.opts.Logger.With().Str("topic", topic).Logger(),
	}
	m.subs[topic] = sub
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sub.run()
	}()
	return sub, nil
}

// Lookup returns the live subscription for topic, if any.
func (m *Manager) Lookup(topic string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[topic]
	return sub, ok
}

// Len is the number of registered subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Unsubscribe stops the topic's subscription. Unknown topics are a no-op.
func (m *Manager) Unsubscribe(topic string) {
	m.mu.Lock()
	sub, ok := m.subs[topic]
	if ok {
		delete(m.subs, topic)
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close stops every subscription and waits for them to exit. It must not be
// called from a Handler.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.wg.Wait()
}

// forget drops sub from the registry if it is still the registered one.
func (m *Manager) forget(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub.topic] == sub {
		delete(m.subs, sub.topic)
	}
}

// Subscription is one topic's connection loop.
type Subscription struct {
	topic   string
	m       *Manager
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger

	mu     sync.Mutex
	status Status
	err    error
}

func (s *Subscription) Topic() string { return s.topic }

// Status returns the current lifecycle status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err is the terminal error once the subscription gave up.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe is Manager.Unsubscribe for this subscription's topic; calling
// it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.m.mu.Lock()
	if s.m.subs[s.topic] == s {
		delete(s.m.subs, s.topic)
	}
	s.m.mu.Unlock()
	s.cancel()
}

func (s *Subscription) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.err = err
	s.mu.Unlock()
	s.logger.Debug().Str("status", string(status)).AnErr("cause", err).Msg("subscription status")
	if s.m.opts.OnStatus != nil {
		s.m.opts.OnStatus(s.topic, status, err)
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	opts := s.m.opts
	b := opts.newBackOff()
	retries := 0
	refreshed := false

	for {
		subscribed, err := s.session()
		if s.ctx.Err() != nil {
			s.setStatus(StatusClosed, nil)
			return
		}
		if subscribed {
			retries = 0
			refreshed = false
			b.Reset()
		}

		if errors.Is(err, ErrAuthExpired) && !refreshed {
			refreshed = true
			_, rerr := s.m.tokens.Refresh(s.ctx)
			if rerr == nil {
				s.logger.Info().Msg("token expired; refreshed and resubscribing")
				s.setStatus(StatusReconnecting, err)
				continue
			}
			err = fmt.Errorf("refresh token: %w: %w", rerr, err)
		}

		if errors.Is(err, ErrForbidden) || !opts.Reconnect || retries >= opts.MaxAttempts {
			s.m.forget(s)
			s.logger.Warn().Err(err).Int("retries", retries).Msg("realtime subscription gave up")
			s.setStatus(StatusGaveUp, fmt.Errorf("%w: %w", ErrGaveUp, err))
			return
		}

		delay := b.NextBackOff()
		retries++
		s.setStatus(StatusReconnecting, err)
		s.logger.Debug().Err(err).Dur("delay", delay).Int("attempt", retries).Msg("reconnecting")
		if err := opts.Sleep(s.ctx, delay); err != nil {
			s.setStatus(StatusClosed, nil)
			return
		}
	}
}

// session runs one connection. subscribed reports whether the gateway
// accepted the subscription before the session ended.
func (s *Subscription) session() (subscribed bool, err error) {
	conn, err := s.m.transport.Dial(s.ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	token, err := s.m.tokens.Token(s.ctx)
	if err != nil {
		return false, fmt.Errorf("token: %w", err)
	}
	if err := conn.Subscribe(s.ctx, s.topic, token); err != nil {
		return false, err
	}
	s.setStatus(StatusSubscribed, nil)

	for {
		ev, err := conn.Next(s.ctx)
		if err != nil {
			return true, err
		}
		if s.m.state.Merge(ev) && s.handler != nil {
			s.handler(ev)
		}
	}
}
