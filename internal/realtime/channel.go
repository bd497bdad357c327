package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("realtime channel not connected")
	ErrAlreadyRunning = errors.New("realtime channel already running")
)

// Sender is the outbound half of the channel.
type Sender interface {
	Send(ctx context.Context, kind Kind, payload any) error
}

type Config struct {
	URL          string
	Header       http.Header
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (c *Config) withDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Channel holds at most one connection to the dispatch server and feeds
// inbound envelopes to a Dispatcher in arrival order.
type Channel struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *zap.Logger

	running atomic.Bool

	mu        sync.RWMutex
	conn      *websocket.Conn
	onConnect []func(ctx context.Context)

	writeMu sync.Mutex
}

func NewChannel(cfg Config, dispatcher *Dispatcher, logger *zap.Logger) *Channel {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger)
	}
	return &Channel{cfg: cfg, dispatcher: dispatcher, logger: logger}
}

func (c *Channel) Dispatcher() *Dispatcher { return c.dispatcher }

// OnConnect registers fn to run after every successful connect, before the
// first inbound message is read.
func (c *Channel) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Run connects and reads until ctx is done, reconnecting with capped
// exponential backoff whenever the connection drops.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	backoff := c.cfg.MinBackoff
	attempt := 0
	for {
		if attempt > 0 {
			reconnects.Inc()
		}
		attempt++

		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("realtime dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		backoff = c.cfg.MinBackoff
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("realtime connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.Unlock()
	connected.Set(1)
	c.logger.Info("realtime connected", zap.String("url", c.cfg.URL))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		connected.Set(0)
		_ = conn.Close()
	}()

	for _, hook := range hooks {
		hook(ctx)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			decodeErrors.WithLabelValues("envelope").Inc()
			c.logger.Warn("malformed envelope", zap.Error(err))
			continue
		}
		messagesTotal.WithLabelValues("in", string(env.Type)).Inc()
		c.dispatcher.Dispatch(ctx, env)
	}
}

// Send wraps payload in an envelope and writes it on the current connection.
func (c *Channel) Send(ctx context.Context, kind Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	frame, err := json.Marshal(Envelope{Type: kind, ID: uuid.NewString(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	messagesTotal.WithLabelValues("out", string(kind)).Inc()
	return nil
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
