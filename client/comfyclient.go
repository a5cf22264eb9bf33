package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/maskstudio/config"
)

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
)

var ErrConnectionLost = errors.New("websocket connection lost")

type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *QueueItem)
	QueuedItemStopped       func(*ComfyClient, *QueueItem, QueuedItemStoppedReason)
	QueuedItemDataAvailable func(*ComfyClient, *QueueItem, *PromptMessageData)
}

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL    string
	tunnel     config.Tunnel
	clientid   string
	timeout    time.Duration
	maxRetry   int
	callbacks  *ComfyClientCallbacks
	httpclient *http.Client

	// connectMu serializes Init so concurrent callers share one dial.
	connectMu sync.Mutex

	// mu guards the fields below and is held across POST /prompt so that
	// websocket messages for a new prompt wait until its item is registered.
	mu                    sync.Mutex
	webSocket             *WebSocketConnection
	queueditems           map[string]*QueueItem
	queuecount            int
	lastProcessedPromptID string
}

// NewComfyClient creates a client for the server in cfg. callbacks may be nil.
func NewComfyClient(cfg config.Comfy, tunnel config.Tunnel, callbacks *ComfyClientCallbacks) *ComfyClient {
	return &ComfyClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tunnel:      tunnel,
		clientid:    uuid.New().String(),
		timeout:     cfg.Timeout.Duration,
		maxRetry:    cfg.MaxRetry,
		callbacks:   callbacks,
		httpclient:  &http.Client{},
		queueditems: make(map[string]*QueueItem),
	}
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) headers() http.Header {
	h := http.Header{}
	if c.tunnel.Header != "" {
		h.Set(c.tunnel.Header, c.tunnel.Value)
	}
	return h
}

// websocketURL maps http(s)://host to ws(s)://host/ws?clientId=<id>.
func (c *ComfyClient) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String(), nil
}

// IsInitialized returns true if the client's websocket is connected
func (c *ComfyClient) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webSocket != nil && c.webSocket.IsConnected()
}

// CheckConnection reconnects the websocket if it is not running
func (c *ComfyClient) CheckConnection(ctx context.Context) error {
	if c.IsInitialized() {
		return nil
	}
	return c.Init(ctx)
}

// Init opens the websocket connection used to follow queued prompts.
// Concurrent calls wait for the first one and then share its connection.
func (c *ComfyClient) Init(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.IsInitialized() {
		return nil
	}
	wsURL, err := c.websocketURL()
	if err != nil {
		return fmt.Errorf("invalid comfy url: %w", err)
	}
	ws := &WebSocketConnection{
		WebSocketURL: wsURL,
		Header:       c.headers(),
		MaxRetry:     c.maxRetry,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
	ws.Callback = &connectionCallback{client: c, conn: ws}

	// Items left from a dead connection are stopped here; its late OnClose
	// no longer matches c.webSocket and is ignored.
	c.mu.Lock()
	stale := c.webSocket != nil
	c.webSocket = ws
	c.mu.Unlock()
	if stale {
		c.connectionLost()
	}

	if err := ws.ConnectWithManager(ctx, c.timeout); err != nil {
		c.mu.Lock()
		if c.webSocket == ws {
			c.webSocket = nil
		}
		c.mu.Unlock()
		return err
	}
	slog.Debug("Connected to ComfyUI", "url", wsURL)
	return nil
}

// Close closes the websocket. Items still queued are stopped with
// ErrConnectionLost.
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	ws := c.webSocket
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

// GetQueuedItem returns a QueueItem that was queued with the ComfyClient, that has not been processed yet
// or is currently being processed.  Once a QueueItem has been processed, it will not be available with this method.
func (c *ComfyClient) GetQueuedItem(prompt_id string) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueditems[prompt_id]
}

// QueueCount returns the last queue_remaining reported by the server.
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

// connectionCallback routes websocket events to the client, remembering
// which connection raised them.
type connectionCallback struct {
	client *ComfyClient
	conn   *WebSocketConnection
}

func (cb *connectionCallback) OnMessage(msg string) { cb.client.OnMessage(msg) }

func (cb *connectionCallback) OnClose(err error) { cb.client.connectionClosed(cb.conn, err) }

// connectionClosed stops every pending item when the current connection
// drops; the server will not tell us about them on a new connection.
func (c *ComfyClient) connectionClosed(ws *WebSocketConnection, err error) {
	c.mu.Lock()
	current := c.webSocket == ws
	c.mu.Unlock()
	if !current {
		slog.Debug("Ignoring close of a replaced websocket", "error", err)
		return
	}
	c.connectionLost()
}

func (c *ComfyClient) connectionLost() {
	c.mu.Lock()
	items := c.queueditems
	c.queueditems = make(map[string]*QueueItem)
	c.mu.Unlock()

	for _, qi := range items {
		c.stop(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
			ExceptionType:    "ConnectionLost",
			ExceptionMessage: ErrConnectionLost.Error(),
		})
	}
}

// OnMessage processes each message received from the websocket connection to ComfyUI.
// The messages are parsed, and translated into PromptMessage structs and placed into the correct QueuedItem's message channel.
func (c *ComfyClient) OnMessage(msg string) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal([]byte(msg), message); err != nil {
		slog.Error("Deserializing Status Message", "error", err)
		return
	}

	c.mu.Lock()
	promptID := message.PromptID()
	if promptID == "" {
		// older servers omit prompt_id on progress
		promptID = c.lastProcessedPromptID
	}
	if message.Type == "execution_start" {
		c.lastProcessedPromptID = promptID
	}
	qi := c.queueditems[promptID]
	c.mu.Unlock()

	switch message.Type {
	case "status":
		s := message.Data.(*WSMessageDataStatus)
		c.mu.Lock()
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		c.mu.Unlock()
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
	case "execution_start":
		if qi != nil {
			if c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
				c.callbacks.QueuedItemStarted(c, qi)
			}
			qi.send(PromptMessage{
				Type:    "started",
				Message: &PromptMessageStarted{PromptID: qi.PromptID},
			})
		}
	case "execution_cached":
		// this is probably not usefull for us
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if qi == nil {
			return
		}
		if s.Node == nil {
			// final node was processed
			c.finish(qi, QueuedItemStoppedReasonFinished, nil)
			return
		}
		qi.send(PromptMessage{
			Type: "executing",
			Message: &PromptMessageExecuting{
				NodeID: *s.Node,
				Title:  qi.nodeTitle(*s.Node),
			},
		})
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		if qi != nil {
			qi.send(PromptMessage{
				Type: "progress",
				Message: &PromptMessageProgress{
					NodeID: s.Node,
					Value:  s.Value,
					Max:    s.Max,
				},
			})
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if qi == nil {
			return
		}
		mdata := &PromptMessageData{
			NodeID: s.Node,
			Data:   s.Output,
		}
		if c.callbacks != nil && c.callbacks.QueuedItemDataAvailable != nil {
			c.callbacks.QueuedItemDataAvailable(c, qi, mdata)
		}
		qi.send(PromptMessage{Type: "data", Message: mdata})
		if qi.OutputNode != "" && s.Node == qi.OutputNode {
			c.finish(qi, QueuedItemStoppedReasonFinished, nil)
		}
	case "execution_success":
		if qi != nil {
			qi.send(PromptMessage{
				Type:    "execution_success",
				Message: &PromptMessageExecutionSuccess{PromptID: qi.PromptID},
			})
			c.finish(qi, QueuedItemStoppedReasonFinished, nil)
		}
	case "execution_interrupted":
		if qi != nil {
			c.finish(qi, QueuedItemStoppedReasonInterrupted, nil)
		}
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if qi != nil {
			c.finish(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
				NodeID:           s.Node,
				NodeType:         s.NodeType,
				NodeName:         qi.nodeTitle(s.Node),
				ExceptionMessage: s.ExceptionMessage,
				ExceptionType:    s.ExceptionType,
				Traceback:        s.Traceback,
			})
		}
	case "crystools.monitor":
	default:
		slog.Warn("Unhandled message type", "type", message.Type)
	}
}

// finish removes the item from the queue and sends its final message. Later
// messages for the same prompt find no item and are dropped.
func (c *ComfyClient) finish(qi *QueueItem, reason QueuedItemStoppedReason, exc *PromptMessageStoppedException) {
	c.mu.Lock()
	_, pending := c.queueditems[qi.PromptID]
	delete(c.queueditems, qi.PromptID)
	c.mu.Unlock()
	if pending {
		c.stop(qi, reason, exc)
	}
}

func (c *ComfyClient) stop(qi *QueueItem, reason QueuedItemStoppedReason, exc *PromptMessageStoppedException) {
	if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
		c.callbacks.QueuedItemStopped(c, qi, reason)
	}
	qi.send(PromptMessage{
		Type: "stopped",
		Message: &PromptMessageStopped{
			QueueItem: qi,
			Reason:    reason,
			Exception: exc,
		},
	})
}
