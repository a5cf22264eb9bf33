package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message string)
	// OnClose is called once when the read loop exits.
	OnClose(err error)
}

type WebSocketConnection struct {
	WebSocketURL string
	Header       http.Header
	MaxRetry     int
	Callback     WebSocketCallback

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer

	mu         sync.Mutex // guards conn
	conn       *websocket.Conn
	connected  atomic.Bool
	retryCount int
	done       chan struct{}
}

// ConnectWithManager dials the websocket, retrying with exponential backoff
// up to MaxRetry times, and starts the read loop. timeout bounds the whole
// attempt; zero waits until ctx is done.
func (w *WebSocketConnection) ConnectWithManager(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w.retryCount = 0
	for retries := 0; ; retries++ {
		err := w.connect(ctx)
		if err == nil {
			break
		}
		slog.Error("Connection attempt failed", "url", w.WebSocketURL, "error", err)
		if retries >= w.MaxRetry {
			return fmt.Errorf("maximum number of retries reached (%d): %w", w.MaxRetry, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-time.After(w.getReconnectDelay()):
		}
	}

	w.done = make(chan struct{})
	w.connected.Store(true)
	go w.handleMessages()
	return nil
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, resp, err := w.Dialer.DialContext(ctx, w.WebSocketURL, w.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// IsConnected reports whether the read loop is running.
func (w *WebSocketConnection) IsConnected() bool {
	return w.connected.Load()
}

func (w *WebSocketConnection) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return websocket.ErrCloseSent
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close shuts the connection down and waits for the read loop to exit.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	if w.done != nil {
		<-w.done
	}
	return err
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	var readErr error
	defer func() {
		w.connected.Store(false)
		w.mu.Lock()
		w.conn.Close()
		w.mu.Unlock()
		if w.Callback != nil {
			w.Callback.OnClose(readErr)
		}
		close(w.done)
	}()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Warn("Websocket read error", "error", err)
			}
			readErr = err
			return
		}
		// previews are sent as binary frames; only JSON status is handled
		if msgType != websocket.TextMessage {
			continue
		}
		if w.Callback != nil {
			w.Callback.OnMessage(string(message))
		}
	}
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.retryCount)))
	if w.MaxDelay > 0 && delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.retryCount++
	return delay
}
