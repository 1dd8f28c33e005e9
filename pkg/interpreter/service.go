package interpreter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

const (
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second

	// A ping arrives every pingInterval, so silence this long means a dead link.
	readTimeout = 3 * pingInterval
)

var ErrGaveUp = errors.New("interpreter api unreachable")

// StartListener keeps a websocket connection to the interpreter API at host
// open and calls handle for every meter event. It reconnects with exponential
// backoff and returns nil once ctx is cancelled, or ErrGaveUp after
// maxRetries failed attempts in a row.
func StartListener(ctx context.Context, host string, tlsEnabled bool, logger *zap.Logger, handle func(ev *types.MeterEvent)) error {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/ws"}

	retryCount := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if retryCount > 0 {
			retryDelay := time.Duration(1<<retryCount) * baseRetryDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			logger.Info("retrying connection",
				zap.Duration("delay", retryDelay), zap.Int("attempt", retryCount+1), zap.Int("max", maxRetries))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil
			}
		}

		logger.Info("connecting", zap.String("url", u.String()))
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			logger.Warn("connection failed", zap.Error(err))
			retryCount++
			if retryCount >= maxRetries {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, maxRetries, err)
			}
			continue
		}

		logger.Info("connected, accepting meter events")
		retryCount = 0

		broken := handleConnection(ctx, c, logger, handle)
		c.Close()
		if !broken {
			return nil
		}
		logger.Warn("connection lost, will retry")
	}
}

// handleConnection reads events until the connection breaks (true) or ctx
// ends (false).
func handleConnection(ctx context.Context, c *websocket.Conn, logger *zap.Logger, handle func(ev *types.MeterEvent)) bool {
	done := make(chan struct{})

	_ = c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPingHandler(func(data string) error {
		_ = c.SetReadDeadline(time.Now().Add(readTimeout))
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("websocket error", zap.Error(err))
				} else {
					logger.Info("connection closed", zap.Error(err))
				}
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(readTimeout))

			if messageType != websocket.TextMessage {
				logger.Debug("ignoring message", zap.Int("type", messageType))
				continue
			}
			if ev := EventFromJsonBytes(message); ev != nil {
				handle(ev)
			} else {
				logger.Warn("failed to parse meter event", zap.ByteString("message", message))
			}
		}
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		logger.Info("shutting down listener")
		// The ping handler may write concurrently; WriteControl is safe for that.
		err := c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		if err != nil {
			logger.Debug("error sending close message", zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return false
	}
}
