// Package duplex streams microphone audio as binary WebSocket frames and
// receives interleaved JSON events and synthesized audio on the same socket.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/resilience"
	"github.com/harunnryd/parley/pkg/transports"
)

type Config struct {
	// URL is the full ws(s) endpoint. When empty it is derived from BackendURL + Path.
	URL          string        `mapstructure:"url"`
	BackendURL   string        `mapstructure:"backend_url"`
	Path         string        `mapstructure:"path"`
	Voice        string        `mapstructure:"voice"`
	SendInit     bool          `mapstructure:"send_init"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendQueue    int           `mapstructure:"send_queue"`
	DialRetries  int           `mapstructure:"dial_retries"`
	DialBackoff  time.Duration `mapstructure:"dial_backoff"`
	Header       http.Header   `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws/audio"
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:3001"
	}
	if c.Voice == "" {
		c.Voice = "en-US-JennyNeural"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.DialRetries < 0 {
		c.DialRetries = 0
	} else if c.DialRetries == 0 {
		c.DialRetries = 2
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 250 * time.Millisecond
	}
	return c
}

// Endpoint resolves the socket URL, mapping http→ws and https→wss.
func (c Config) Endpoint() (string, error) {
	c = c.withDefaults()
	raw := c.URL
	if raw == "" {
		raw = strings.TrimRight(c.BackendURL, "/") + c.Path
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type outbound struct {
	kind int
	data []byte
}

type Transport struct {
	transports.Inbox
	transports.Lifeline

	cfg Config
	log *slog.Logger

	conn    *websocket.Conn
	sendCh  chan outbound
	quit    chan struct{}
	wg      sync.WaitGroup
	opened  atomic.Bool
	closing atomic.Bool
	once    sync.Once
	sent    atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		log:    logging.NewComponentLogger(logger, "duplex_transport"),
		sendCh: make(chan outbound, cfg.SendQueue),
		quit:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "duplex" }

func (t *Transport) ReadyFields() map[string]any {
	endpoint, _ := t.cfg.Endpoint()
	return map[string]any{"endpoint": endpoint, "voice": t.cfg.Voice}
}

// Open dials the backend, retrying connection refusals a bounded number of
// times, then starts the read, write and ping loops.
func (t *Transport) Open(ctx context.Context) error {
	if t.opened.Load() {
		return nil
	}
	endpoint, err := t.cfg.Endpoint()
	if err != nil {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "duplex endpoint: %w", err)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.DialTimeout,
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	policy := resilience.NewRetryPolicy(t.cfg.DialRetries, t.cfg.DialBackoff)
	var conn *websocket.Conn
	err = policy.Do(ctx, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, endpoint, t.cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return resilience.Permanent(fmt.Errorf("handshake rejected: %s", resp.Status))
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return errorsx.Newf(errorsx.ReasonConnectionFailed, "dial %s: %w", endpoint, err)
	}
	t.conn = conn
	t.opened.Store(true)

	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	})

	t.wg.Add(3)
	go t.writeLoop()
	go t.readLoop()
	go t.pingLoop()

	if t.cfg.SendInit {
		if err := t.enqueue(websocket.TextMessage, initMessage(t.cfg.Voice)); err != nil {
			_ = t.Close()
			return errorsx.Newf(errorsx.ReasonConnectionFailed, "send init: %w", err)
		}
	}
	t.log.Info("transport_opened", "endpoint", endpoint, "send_init", t.cfg.SendInit)
	return nil
}

// Send queues one binary audio frame. It blocks when the queue is full
// rather than dropping audio.
func (t *Transport) Send(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return t.enqueue(websocket.BinaryMessage, append([]byte(nil), chunk...))
}

// Flush tells the backend the utterance is complete.
func (t *Transport) Flush(ctx context.Context) error {
	return t.enqueue(websocket.TextMessage, []byte(`{"type":"flush"}`))
}

func (t *Transport) enqueue(kind int, data []byte) error {
	if !t.opened.Load() || t.closing.Load() {
		return transports.ErrClosed
	}
	select {
	case <-t.Done():
		return t.Err()
	default:
	}
	select {
	case t.sendCh <- outbound{kind: kind, data: data}:
		return nil
	case <-t.Done():
		return t.Err()
	case <-t.quit:
		return transports.ErrClosed
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case msg := <-t.sendCh:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := t.conn.WriteMessage(msg.kind, msg.data); err != nil {
				t.lost(fmt.Errorf("write: %w", err))
				return
			}
			if msg.kind == websocket.BinaryMessage {
				t.sent.Add(int64(len(msg.data)))
			}
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.lost(fmt.Errorf("read: %w", err))
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			t.Deliver(transports.Message{Kind: transports.MessageBinary, Data: data, Received: time.Now()})
		case websocket.TextMessage:
			t.Deliver(transports.Message{Kind: transports.MessageText, Data: data, Received: time.Now()})
		}
	}
}

func (t *Transport) pingLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-t.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.lost(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (t *Transport) lost(err error) {
	if t.closing.Load() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = fmt.Errorf("peer closed connection: %w", err)
	}
	t.Fail(err)
	t.log.Warn("transport_lost",
		"reason_code", errorsx.ReasonTransportLost,
		"bytes_sent", t.sent.Load(),
		"error", err)
}

// Close sends a close frame and tears the socket down. Safe to call more than once.
func (t *Transport) Close() error {
	if !t.opened.Load() {
		return nil
	}
	var err error
	t.once.Do(func() {
		t.closing.Store(true)
		close(t.quit)
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
		err = t.conn.Close()
		t.wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		t.log.Info("transport_closed", "bytes_sent", t.sent.Load())
	})
	return err
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.Flusher       = (*Transport)(nil)
	_ transports.Liveness      = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
