// Package push keeps a websocket open to the session authority so that
// invalidations arrive without waiting for the next poll.
package push

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/httputil"
	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("push")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// EventSessionInvalidated is the only event type acted on.
const EventSessionInvalidated = "session_invalidated"

type Event struct {
	Type            string `json:"type"`
	Reason          string `json:"reason"`
	OriginalCountry string `json:"originalCountry,omitempty"`
	CurrentCountry  string `json:"currentCountry,omitempty"`
}

type Listener struct {
	url       string
	tlsConfig *tls.Config
	health    *health.Monitor
	clock     clockwork.Clock

	// InitialBackoff overrides the first reconnect delay.
	InitialBackoff time.Duration
}

func NewListener(url string, tlsConfig *tls.Config, monitor *health.Monitor) *Listener {
	return NewListenerWithClock(url, tlsConfig, monitor, clockwork.NewRealClock())
}

// NewListenerWithClock is NewListener with an injected clock for reconnect
// delays and pings.
func NewListenerWithClock(url string, tlsConfig *tls.Config, monitor *health.Monitor, clock clockwork.Clock) *Listener {
	return &Listener{url: url, tlsConfig: tlsConfig, health: monitor, clock: clock, InitialBackoff: initialBackoff}
}

// Run holds a connection authenticated with the session token until ctx is
// cancelled, reconnecting with jittered exponential backoff. Each
// session_invalidated event is passed to onInvalidated.
func (l *Listener) Run(ctx context.Context, token string, onInvalidated func(Event)) {
	first := l.InitialBackoff
	if first <= 0 {
		first = initialBackoff
	}
	backoff := first

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.connect(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.health.Update(health.ComponentPush, health.Degraded, err.Error())
			sleep := httputil.Jitter(backoff, jitterFactor)
			log.Warn("push connection failed", logging.KeyError, err, "retryIn", sleep)
			if !l.sleep(ctx, sleep) {
				return
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = first
		l.health.Update(health.ComponentPush, health.Healthy, "")
		l.serve(ctx, conn, onInvalidated)

		// a server that accepts and then hangs up must not be redialed in a
		// tight loop
		if !l.sleep(ctx, httputil.Jitter(first, jitterFactor)) {
			return
		}
	}
}

// sleep waits for d on the listener clock. It returns false if ctx ended
// first.
func (l *Listener) sleep(ctx context.Context, d time.Duration) bool {
	timer := l.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (l *Listener) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  l.tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	log.Info("push connected", "server", l.url)
	return conn, nil
}

// serve runs the read and ping pumps until the connection drops or ctx ends.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn, onInvalidated func(Event)) {
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			conn.Close()
		})
	}
	defer closeConn()

	go func() {
		ticker := l.clock.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				closeConn()
				return
			case <-ticker.Chan():
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("push read error", logging.KeyError, err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn("failed to parse push message", logging.KeyError, err)
			continue
		}
		if ev.Type != EventSessionInvalidated {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log.Info("session invalidated by push", logging.KeyReason, ev.Reason)
		onInvalidated(ev)
	}
}
