package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "collaborative-workspace-sync/internal/errors"
)

const (
	relayWriteTimeout  = 5 * time.Second
	relayMaxMessage    = 4 << 20
	relayInitialDelay  = 200 * time.Millisecond
	relayMaxRetryDelay = 15 * time.Second
)

var ErrRelayDown = apperrors.Transient("Relay connection unavailable", nil)

// relayConn keeps one websocket to a relay alive. Each new connection
// subscribes exactly once to the configured topics; lost connections are
// retried with exponential backoff until the context ends.
type relayConn struct {
	urls         []string
	topics       []string
	dialer       *websocket.Dialer
	health       *HealthChecker
	clock        clock.Clock
	pingInterval time.Duration
	logger       zerolog.Logger

	onMessage func(relayMessage)
	onState   func(connected bool, url string, err error)

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func (r *relayConn) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = relayInitialDelay
	bo.MaxInterval = relayMaxRetryDelay

	for {
		target, err := r.health.Pick(ctx, r.urls)
		if err != nil {
			r.logger.Debug().Err(err).Str("relay", target).Msg("No healthy relay found, dialing first candidate")
		}

		conn, _, err := r.dialer.DialContext(ctx, target, nil)
		if err == nil {
			bo.Reset()
			err = r.serve(ctx, conn, target)
		}
		if ctx.Err() != nil {
			return
		}
		r.onState(false, target, err)

		delay := bo.NextBackOff()
		r.logger.Debug().Err(err).Dur("retry_in", delay).Msg("Relay connection lost")
		timer := r.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve subscribes, reports the connection and reads until it fails.
func (r *relayConn) serve(ctx context.Context, conn *websocket.Conn, target string) error {
	conn.SetReadLimit(relayMaxMessage)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	if err := r.Send(relayMessage{Type: msgSubscribe, Topics: r.topics}); err != nil {
		return err
	}
	r.onState(true, target, nil)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go r.pingLoop(connCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return apperrors.Transient("Relay read failed", err)
		}
		var msg relayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Debug().Err(err).Msg("Ignoring malformed relay message")
			continue
		}
		if msg.Type == msgPublish {
			r.onMessage(msg)
		}
	}
}

// pingLoop sends application level pings, independent of peer keepalives.
func (r *relayConn) pingLoop(ctx context.Context) {
	ticker := r.clock.Ticker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Send(relayMessage{Type: msgPing}); err != nil {
				return
			}
		}
	}
}

// Send writes msg on the current connection. It is safe for concurrent use.
func (r *relayConn) Send(msg relayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Internal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrRelayDown
	}
	r.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return ErrRelayDown.WithCause(err)
	}
	return nil
}

// Unsubscribe is sent on orderly shutdown.
func (r *relayConn) Unsubscribe() error {
	return r.Send(relayMessage{Type: msgUnsubscribe, Topics: r.topics})
}
