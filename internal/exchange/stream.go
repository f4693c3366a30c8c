package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamState tracks the private-stream connection lifecycle.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamAuthenticating
	StreamSubscribed
	StreamLive
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamAuthenticating:
		return "AUTHENTICATING"
	case StreamSubscribed:
		return "SUBSCRIBED"
	case StreamLive:
		return "LIVE"
	case StreamError:
		return "ERROR"
	}
	return "UNKNOWN"
}

const (
	streamBackoffMin = time.Second
	streamBackoffMax = 60 * time.Second
)

// StreamConfig wires one venue's private stream protocol into the shared
// connection loop. Authenticate and Subscribe run once per connection;
// KeepAliveInterval drives protocol pings (Bybit-style venues expect one
// every 20s); RenewInterval with Renew covers listen-key style sessions that
// must be refreshed out of band (Binance renews every 30m).
type StreamConfig struct {
	URL               string
	Authenticate      func(ctx context.Context, conn *websocket.Conn) error
	Subscribe         func(ctx context.Context, conn *websocket.Conn) error
	KeepAlive         func(ctx context.Context, conn *websocket.Conn) error
	KeepAliveInterval time.Duration
	Renew             func(ctx context.Context) error
	RenewInterval     time.Duration
}

// StreamClient runs the reconnecting private-stream loop for one account.
type StreamClient struct {
	cfg   StreamConfig
	state atomic.Int32
	log   *logrus.Entry
}

// NewStreamClient builds a stream client. name labels log lines.
func NewStreamClient(name string, cfg StreamConfig) *StreamClient {
	return &StreamClient{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "stream", "account": name}),
	}
}

// State reports the current connection state.
func (c *StreamClient) State() StreamState {
	return StreamState(c.state.Load())
}

func (c *StreamClient) setState(s StreamState) {
	prev := StreamState(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Infof("stream %s -> %s", prev, s)
	}
}

// Run connects, authenticates, subscribes and delivers raw messages to
// onMessage until ctx is done. Transient failures reconnect with exponential
// backoff and jitter. A credential rejection is not retriable: Run holds the
// ERROR state and returns the error so the supervisor can escalate.
func (c *StreamClient) Run(ctx context.Context, onMessage func([]byte)) error {
	backoff := streamBackoffMin
	for {
		if ctx.Err() != nil {
			c.setState(StreamDisconnected)
			return ctx.Err()
		}

		err := c.runOnce(ctx, onMessage)
		if err == nil || ctx.Err() != nil {
			c.setState(StreamDisconnected)
			return ctx.Err()
		}
		if IsAuth(err) {
			c.setState(StreamError)
			return err
		}

		c.setState(StreamError)
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		c.log.Warnf("stream dropped: %v; reconnecting in %s", err, sleep)
		select {
		case <-ctx.Done():
			c.setState(StreamDisconnected)
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > streamBackoffMax {
			backoff = streamBackoffMax
		}
	}
}

func (c *StreamClient) runOnce(ctx context.Context, onMessage func([]byte)) error {
	c.setState(StreamConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return &NetworkError{Err: fmt.Errorf("dial %s: %w", c.cfg.URL, err)}
	}
	defer conn.Close()

	if c.cfg.Authenticate != nil {
		c.setState(StreamAuthenticating)
		if err := c.cfg.Authenticate(ctx, conn); err != nil {
			return err
		}
	}
	if c.cfg.Subscribe != nil {
		c.setState(StreamSubscribed)
		if err := c.cfg.Subscribe(ctx, conn); err != nil {
			return err
		}
	}
	c.setState(StreamLive)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if c.cfg.KeepAliveInterval > 0 {
		go c.keepAliveLoop(loopCtx, conn, errCh)
	}
	if c.cfg.RenewInterval > 0 && c.cfg.Renew != nil {
		go c.renewLoop(loopCtx, errCh)
	}

	readCh := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readCh <- &NetworkError{Err: err}
				return
			}
			onMessage(msg)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	case err := <-readCh:
		return err
	}
}

func (c *StreamClient) keepAliveLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.cfg.KeepAlive != nil {
				err = c.cfg.KeepAlive(ctx, conn)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			if err != nil {
				errCh <- &NetworkError{Err: fmt.Errorf("keepalive: %w", err)}
				return
			}
		}
	}
}

func (c *StreamClient) renewLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.cfg.Renew(ctx); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// SignWSAuth computes the HMAC-SHA256 signature over "GET/realtime<expires>"
// used by Bybit-style stream authentication.
func SignWSAuth(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	return hex.EncodeToString(mac.Sum(nil))
}
