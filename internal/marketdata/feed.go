package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// ErrPongTimeout is returned when the stream stops answering heartbeats.
var ErrPongTimeout = errors.New("marketdata: pong not received within grace period")

// Stream is one live market-data connection.
type Stream interface {
	// Ticks delivers decoded ticks until the connection ends.
	Ticks() <-chan domain.Tick
	// Done is closed when the connection is gone; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Subscribe(ctx context.Context, symbols []string) error
	Ping(ctx context.Context) error
	// LastPong is the time the most recent heartbeat reply arrived.
	LastPong() time.Time
	Close() error
}

// Dialer opens streams subscribed to the given symbols.
type Dialer interface {
	Dial(ctx context.Context, symbols []string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, symbols []string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, symbols []string) (Stream, error) {
	return f(ctx, symbols)
}

// Publisher receives breakout and trigger events.
type Publisher interface {
	Publish(ev domain.MarketEvent)
}

// TickHandler is called for every tick after detection has run.
type TickHandler func(ctx context.Context, tick domain.Tick)

// State is the connection state of the feed.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
	StateStopped      State = "stopped"
)

// Stats is a snapshot of feed counters.
type Stats struct {
	State         State     `json:"state"`
	Symbols       []string  `json:"symbols"`
	Ticks         int64     `json:"ticks"`
	Breakouts     int64     `json:"breakouts"`
	TriggersFired int64     `json:"triggers_fired"`
	Reconnects    int64     `json:"reconnects"`
	Failures      int       `json:"consecutive_failures"`
	LastTickAt    time.Time `json:"last_tick_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Feed consumes a Stream, runs breakout detection and price triggers and
// dispatches every tick to the registered handlers. Ticks are processed on a
// single goroutine, so per-symbol event order matches arrival order.
type Feed struct {
	cfg       Config
	dialer    Dialer
	publisher Publisher
	detector  *BreakoutDetector
	triggers  *TriggerManager
	logger    *slog.Logger
	now       func() time.Time

	handlerMu sync.RWMutex
	handlers  []TickHandler

	mu         sync.Mutex
	state      State
	symbols    map[string]struct{}
	stream     Stream
	failures   int
	lastErr    string
	lastTickAt time.Time

	ticks      atomic.Int64
	breakouts  atomic.Int64
	fired      atomic.Int64
	reconnects atomic.Int64
}

// NewFeed creates a feed. Config triggers are registered immediately;
// invalid ones are logged and skipped.
func NewFeed(cfg Config, dialer Dialer, publisher Publisher, logger *slog.Logger) *Feed {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		cfg:       cfg,
		dialer:    dialer,
		publisher: publisher,
		detector:  NewBreakoutDetector(cfg.Alpha, cfg.BreakoutMargin),
		triggers:  NewTriggerManager(cfg.TriggerRetention, nil),
		logger:    logger.With(slog.String("component", "marketdata_feed")),
		now:       time.Now,
		state:     StateIdle,
		symbols:   make(map[string]struct{}),
	}
	for _, s := range cfg.Symbols {
		if s != "" {
			f.symbols[s] = struct{}{}
		}
	}
	for _, t := range cfg.Triggers {
		if _, err := f.triggers.Add(t); err != nil {
			f.logger.Warn("skipping configured trigger",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.symbols[t.Symbol] = struct{}{}
	}
	return f
}

// OnTick registers a handler invoked for every processed tick.
func (f *Feed) OnTick(h TickHandler) {
	f.handlerMu.Lock()
	f.handlers = append(f.handlers, h)
	f.handlerMu.Unlock()
}

// Detector exposes the breakout detector.
func (f *Feed) Detector() *BreakoutDetector { return f.detector }

// Triggers exposes the price trigger manager.
func (f *Feed) Triggers() *TriggerManager { return f.triggers }

// AddTrigger registers a price trigger and makes sure its symbol is watched.
func (f *Feed) AddTrigger(ctx context.Context, t domain.PriceTrigger) (domain.PriceTrigger, error) {
	stored, err := f.triggers.Add(t)
	if err != nil {
		return domain.PriceTrigger{}, err
	}
	f.Watch(ctx, stored.Symbol)
	return stored, nil
}

// Watch adds symbols to the subscription set. A live stream is subscribed
// immediately; otherwise the symbols are picked up on the next connect.
func (f *Feed) Watch(ctx context.Context, symbols ...string) {
	f.mu.Lock()
	var added []string
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := f.symbols[s]; !ok {
			f.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	stream := f.stream
	f.mu.Unlock()

	if len(added) == 0 || stream == nil {
		return
	}
	if err := stream.Subscribe(ctx, added); err != nil {
		f.logger.Warn("subscribe on live stream failed",
			slog.Any("symbols", added),
			slog.String("error", err.Error()),
		)
	}
}

// Symbols returns the watched symbols in sorted order.
func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbolsLocked()
}

func (f *Feed) symbolsLocked() []string {
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run connects and consumes the stream until ctx is cancelled. A dropped
// connection is redialled with exponential backoff; after MaxAttempts
// consecutive failures Run returns an error wrapping ErrFeedTerminated.
func (f *Feed) Run(ctx context.Context) error {
	if f.dialer == nil {
		return fmt.Errorf("marketdata: run: no dialer: %w", domain.ErrConfiguration)
	}
	f.setState(StateConnecting)
	for {
		if ctx.Err() != nil {
			f.setState(StateStopped)
			return ctx.Err()
		}

		received, err := f.session(ctx)
		if ctx.Err() != nil {
			f.setState(StateStopped)
			return ctx.Err()
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}

		f.mu.Lock()
		if received {
			f.failures = 0
		}
		f.failures++
		failures := f.failures
		f.lastErr = err.Error()
		f.mu.Unlock()

		if failures >= f.cfg.MaxAttempts {
			f.setState(StateTerminated)
			f.logger.Error("market feed giving up",
				slog.Int("attempts", failures),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("marketdata: %w after %d attempts: %w", domain.ErrFeedTerminated, failures, err)
		}

		delay := f.cfg.reconnectDelay(failures)
		f.setState(StateReconnecting)
		f.logger.Warn("market feed disconnected, reconnecting",
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.setState(StateStopped)
			return ctx.Err()
		case <-timer.C:
		}
		f.reconnects.Add(1)
	}
}

// session runs one connection. It reports whether at least one tick was
// received so a healthy connection resets the failure count.
func (f *Feed) session(ctx context.Context) (received bool, err error) {
	f.mu.Lock()
	symbols := f.symbolsLocked()
	f.mu.Unlock()

	stream, err := f.dialer.Dial(ctx, symbols)
	if err != nil {
		return false, fmt.Errorf("marketdata: dial: %w", err)
	}
	f.mu.Lock()
	f.stream = stream
	f.state = StateConnected
	f.mu.Unlock()
	f.logger.Info("market feed connected", slog.Int("symbols", len(symbols)))

	defer func() {
		f.mu.Lock()
		f.stream = nil
		f.mu.Unlock()
		_ = stream.Close()
	}()

	ping := time.NewTicker(f.cfg.PingInterval)
	defer ping.Stop()

	var (
		pongDeadline <-chan time.Time
		pongTimer    *time.Timer
		pingSentAt   time.Time
	)
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return received, nil

		case <-stream.Done():
			if err := stream.Err(); err != nil {
				return received, err
			}
			return received, domain.ErrWSDisconnect

		case tick, ok := <-stream.Ticks():
			if !ok {
				if err := stream.Err(); err != nil {
					return received, err
				}
				return received, domain.ErrWSDisconnect
			}
			received = true
			f.Process(ctx, tick)

		case <-ping.C:
			if pongDeadline != nil {
				continue
			}
			pingSentAt = f.now()
			if err := stream.Ping(ctx); err != nil {
				return received, fmt.Errorf("marketdata: ping: %w", err)
			}
			pongTimer = time.NewTimer(f.cfg.PongGrace)
			pongDeadline = pongTimer.C

		case <-pongDeadline:
			pongDeadline = nil
			if stream.LastPong().Before(pingSentAt) {
				return received, fmt.Errorf("%w: %w", ErrPongTimeout, domain.ErrWSDisconnect)
			}
		}
	}
}

// Process runs one tick through detection, triggers and handlers.
func (f *Feed) Process(ctx context.Context, tick domain.Tick) {
	if tick.Symbol == "" || !finitePositive(tick.Price) {
		return
	}
	if tick.At.IsZero() {
		tick.At = f.now()
	}
	f.ticks.Add(1)
	f.mu.Lock()
	f.lastTickAt = tick.At
	f.mu.Unlock()

	obs := f.detector.Observe(tick)
	if obs.Breakout != nil {
		f.breakouts.Add(1)
		f.logger.Info("breakout detected",
			slog.String("symbol", tick.Symbol),
			slog.String("direction", string(obs.Breakout.Direction)),
			slog.Float64("price", tick.Price),
			slog.Float64("level", obs.Breakout.Level),
			slog.Float64("confidence", obs.Breakout.Confidence),
		)
		f.publish(*obs.Breakout)
	}
	for _, ev := range f.triggers.Evaluate(tick, obs) {
		f.fired.Add(1)
		f.logger.Info("price trigger fired",
			slog.String("trigger_id", ev.Trigger.ID),
			slog.String("symbol", ev.Trigger.Symbol),
			slog.String("type", string(ev.Trigger.Type)),
			slog.Float64("price", ev.Price),
		)
		f.publish(ev)
	}

	f.handlerMu.RLock()
	handlers := f.handlers
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		f.callHandler(ctx, h, tick)
	}
}

func (f *Feed) callHandler(ctx context.Context, h TickHandler, tick domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("tick handler panicked",
				slog.String("symbol", tick.Symbol),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, tick)
}

func (f *Feed) publish(ev domain.MarketEvent) {
	if f.publisher != nil {
		f.publisher.Publish(ev)
	}
}

// CleanupTriggers drops expired fired triggers.
func (f *Feed) CleanupTriggers() int {
	n := f.triggers.Cleanup()
	if n > 0 {
		f.logger.Debug("expired price triggers removed", slog.Int("count", n))
	}
	return n
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// State returns the connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		State:         f.state,
		Symbols:       f.symbolsLocked(),
		Ticks:         f.ticks.Load(),
		Breakouts:     f.breakouts.Load(),
		TriggersFired: f.fired.Load(),
		Reconnects:    f.reconnects.Load(),
		Failures:      f.failures,
		LastTickAt:    f.lastTickAt,
		LastError:     f.lastErr,
	}
}
