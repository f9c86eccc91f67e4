package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	DefaultWSURL = "wss://wbs.mexc.com/ws"

	// writeWait is the time allowed to write a message to the peer.
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	dealsChannel     = "spot@public.deals.v3.api@"
	tickBuffer       = 1024
	// The server accepts at most this many channels per command.
	maxParamsPerCommand = 30
)

// WSClient is one websocket connection to the public deal stream. It
// decodes each deal into a domain.Tick. The connection is single-use: once
// Done is closed a new client must be dialled.
type WSClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	ticks     chan domain.Tick
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	lastPong  atomic.Int64
}

// DialWS connects to wsURL and subscribes to the deal channel of each
// symbol.
func DialWS(ctx context.Context, wsURL string, symbols []string, logger *slog.Logger) (*WSClient, error) {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mexc/ws: connect: %w", err)
	}

	w := &WSClient{
		conn:   conn,
		logger: logger.With(slog.String("component", "mexc_ws")),
		ticks:  make(chan domain.Tick, tickBuffer),
		done:   make(chan struct{}),
	}
	w.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		w.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	go w.readLoop()

	if len(symbols) > 0 {
		if err := w.Subscribe(ctx, symbols); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return w, nil
}

// Ticks delivers decoded deals in arrival order.
func (w *WSClient) Ticks() <-chan domain.Tick { return w.ticks }

// Done is closed when the connection has ended.
func (w *WSClient) Done() <-chan struct{} { return w.done }

// Err reports why the connection ended, or nil after Close.
func (w *WSClient) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// LastPong returns when the server last answered a heartbeat.
func (w *WSClient) LastPong() time.Time { return time.Unix(0, w.lastPong.Load()) }

// Subscribe adds the deal channels of symbols.
func (w *WSClient) Subscribe(_ context.Context, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, dealsChannel+s)
	}
	for start := 0; start < len(params); start += maxParamsPerCommand {
		end := min(start+maxParamsPerCommand, len(params))
		if err := w.send(wsCommand{Method: "SUBSCRIPTION", Params: params[start:end]}); err != nil {
			return fmt.Errorf("mexc/ws: subscribe: %w", err)
		}
	}
	return nil
}

// Ping sends an application heartbeat. The reply updates LastPong.
func (w *WSClient) Ping(_ context.Context) error {
	if err := w.send(wsCommand{Method: "PING"}); err != nil {
		return fmt.Errorf("mexc/ws: ping: %w", err)
	}
	return nil
}

// Close shuts the connection down.
func (w *WSClient) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WSClient) fail(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = fmt.Errorf("mexc/ws: %w: %w", domain.ErrWSDisconnect, err)
	}
	w.errMu.Unlock()
	_ = w.Close()
}

func (w *WSClient) send(cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	select {
	case <-w.done:
		return domain.ErrWSDisconnect
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) readLoop() {
	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				w.fail(err)
			}
			return
		}
		if !w.handleMessage(message) {
			return
		}
	}
}

// handleMessage routes one frame. It returns false once the client is
// closed.
func (w *WSClient) handleMessage(raw []byte) bool {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		w.logger.Debug("dropping undecodable frame", slog.String("error", err.Error()))
		return true
	}
	if env.Msg == "PONG" {
		w.lastPong.Store(time.Now().UnixNano())
		return true
	}
	if env.D == nil || env.S == "" {
		return true
	}
	for _, d := range env.D.Deals {
		t := domain.Tick{
			Symbol: env.S,
			Price:  parseFloat(d.P),
			Volume: parseFloat(d.V),
			At:     time.UnixMilli(d.T).UTC(),
		}
		if d.T == 0 {
			t.At = time.UnixMilli(env.T).UTC()
		}
		select {
		case w.ticks <- t:
		case <-w.done:
			return false
		}
	}
	return true
}
