package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

type fakeStream struct {
	ticks     chan domain.Tick
	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Value
	answer    bool
	lastPong  atomic.Int64
	pings     atomic.Int32
	subs      chan []string
}

func newFakeStream(answerPings bool) *fakeStream {
	return &fakeStream{
		ticks:  make(chan domain.Tick, 16),
		done:   make(chan struct{}),
		answer: answerPings,
		subs:   make(chan []string, 4),
	}
}

func (s *fakeStream) Ticks() <-chan domain.Tick { return s.ticks }
func (s *fakeStream) Done() <-chan struct{}     { return s.done }

func (s *fakeStream) Err() error {
	if v := s.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *fakeStream) fail(err error) {
	s.err.Store(err)
	s.Close()
}

func (s *fakeStream) Subscribe(_ context.Context, symbols []string) error {
	s.subs <- symbols
	return nil
}

func (s *fakeStream) Ping(context.Context) error {
	s.pings.Add(1)
	if s.answer {
		s.lastPong.Store(time.Now().UnixNano())
	}
	return nil
}

func (s *fakeStream) LastPong() time.Time { return time.Unix(0, s.lastPong.Load()) }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	dials   atomic.Int32
	symbols [][]string
}

func (d *fakeDialer) Dial(_ context.Context, symbols []string) (Stream, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.symbols = append(d.symbols, symbols)
	if len(d.streams) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("no stream")
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (p *recordingPublisher) Publish(ev domain.MarketEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []domain.MarketEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.MarketEvent(nil), p.events...)
}

func fastConfig() Config {
	return Config{
		Symbols:       []string{"AAAUSDT"},
		ReconnectBase: time.Millisecond,
		ReconnectMax:  4 * time.Millisecond,
		MaxAttempts:   3,
		PingInterval:  time.Hour,
		PongGrace:     time.Hour,
	}
}

func TestReconnectDelay(t *testing.T) {
	cfg := Config{ReconnectBase: 100 * time.Millisecond, ReconnectMax: time.Second}.withDefaults()
	tests := []struct {
		name        string
		failures    int
		want        time.Duration
		description string
	}{
		{name: "first", failures: 1, want: 100 * time.Millisecond, description: "the first retry waits the base delay"},
		{name: "third", failures: 3, want: 400 * time.Millisecond, description: "each failure doubles the delay"},
		{name: "capped", failures: 9, want: time.Second, description: "the delay never exceeds the max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.reconnectDelay(tt.failures), tt.description)
		})
	}
}

func TestFeedTerminatesAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	f := NewFeed(fastConfig(), dialer, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFeedTerminated)
	assert.Equal(t, int32(3), dialer.dials.Load())
	assert.Equal(t, StateTerminated, f.State())
	assert.Equal(t, 3, f.Stats().Failures)
}

func TestFeedProcessesTicksAndReconnects(t *testing.T) {
	s1 := newFakeStream(true)
	s2 := newFakeStream(true)
	dialer := &fakeDialer{streams: []*fakeStream{s1, s2}}
	pub := &recordingPublisher{}
	f := NewFeed(fastConfig(), dialer, pub, nil)

	var handled atomic.Int32
	f.OnTick(func(context.Context, domain.Tick) { handled.Add(1) })
	f.OnTick(func(context.Context, domain.Tick) { panic("boom") })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	s1.ticks <- tick("AAAUSDT", 100, 10)
	s1.ticks <- tick("AAAUSDT", 100.3, 20)
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, time.Millisecond)
	s1.fail(errors.New("reset by peer"))

	require.Eventually(t, func() bool { return dialer.dials.Load() == 2 }, time.Second, time.Millisecond)
	s2.ticks <- tick("AAAUSDT", 100.1, 10)
	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	events := pub.snapshot()
	require.Len(t, events, 1, "exactly one breakout for the single qualifying tick")
	bo, ok := events[0].(domain.BreakoutDetected)
	require.True(t, ok)
	assert.LessOrEqual(t, bo.Confidence, 95.0)

	st := f.Stats()
	assert.Equal(t, int64(3), st.Ticks)
	assert.Equal(t, int64(1), st.Breakouts)
	assert.Equal(t, int64(1), st.Reconnects)
	assert.Equal(t, StateStopped, st.State)
}

func TestFeedPongTimeoutTriggersReconnect(t *testing.T) {
	silent := newFakeStream(false)
	healthy := newFakeStream(true)
	dialer := &fakeDialer{streams: []*fakeStream{silent, healthy}}
	cfg := fastConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PongGrace = 5 * time.Millisecond
	f := NewFeed(cfg, dialer, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	require.Eventually(t, func() bool { return dialer.dials.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, silent.pings.Load(), int32(1))
	select {
	case <-silent.Done():
	default:
		t.Fatal("silent stream should be closed")
	}
	assert.Contains(t, f.Stats().LastError, "pong")
}

func TestFeedTriggersAndWatch(t *testing.T) {
	s := newFakeStream(true)
	dialer := &fakeDialer{streams: []*fakeStream{s}}
	pub := &recordingPublisher{}
	cfg := fastConfig()
	cfg.Triggers = []domain.PriceTrigger{
		{ID: "cfg", Symbol: "CCCUSDT", Type: domain.TriggerPriceAbove, TargetValue: 1},
		{Symbol: "", Type: domain.TriggerPriceAbove, TargetValue: 1},
	}
	f := NewFeed(cfg, dialer, pub, nil)
	assert.Equal(t, []string{"AAAUSDT", "CCCUSDT"}, f.Symbols(), "configured trigger symbols are watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()
	require.Eventually(t, func() bool { return f.State() == StateConnected }, time.Second, time.Millisecond)

	_, err := f.AddTrigger(ctx, domain.PriceTrigger{Symbol: "DDDUSDT", Type: domain.TriggerPriceBelow, TargetValue: 5})
	require.NoError(t, err)
	select {
	case subs := <-s.subs:
		assert.Equal(t, []string{"DDDUSDT"}, subs)
	case <-time.After(time.Second):
		t.Fatal("new symbol was not subscribed on the live stream")
	}

	s.ticks <- tick("CCCUSDT", 2, 1)
	s.ticks <- tick("CCCUSDT", 3, 1)
	require.Eventually(t, func() bool { return f.Stats().Ticks == 2 }, time.Second, time.Millisecond)

	var fired int
	for _, ev := range pub.snapshot() {
		if tf, ok := ev.(domain.PriceTriggerFired); ok {
			fired++
			assert.Equal(t, "cfg", tf.Trigger.ID)
		}
	}
	assert.Equal(t, 1, fired, "a trigger fires once")
}
