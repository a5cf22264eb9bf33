package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/maskstudio/config"
	"github.com/richinsley/maskstudio/graphapi"
)

var testTunnel = config.Tunnel{Header: "ngrok-skip-browser-warning", Value: "true"}

type fakeComfy struct {
	srv        *httptest.Server
	conns      chan *websocket.Conn
	prompts    chan map[string]interface{}
	reject     bool
	handshakes atomic.Int32
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()
	f := &fakeComfy{
		conns:   make(chan *websocket.Conn, 8),
		prompts: make(chan map[string]interface{}, 8),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") == "" {
			t.Error("clientId missing from websocket url")
		}
		if r.Header.Get("ngrok-skip-browser-warning") != "true" {
			t.Error("tunnel header missing on websocket handshake")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.handshakes.Add(1)
		f.conns <- conn
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("ngrok-skip-browser-warning") != "true" {
			t.Error("tunnel header missing")
		}
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"exec_info": {"queue_remaining": 2}}`))
			return
		}
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", "details": "", "extra_info": {}}, "node_errors": {}}`))
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode prompt: %v", err)
		}
		f.prompts <- body
		w.Write([]byte(`{"prompt_id": "p1", "number": 3, "node_errors": {}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filename") != "out.png" || q.Get("type") != "output" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("PNGBYTES"))
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		_, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("image part: %v", err)
			return
		}
		if r.FormValue("overwrite") != "true" || r.FormValue("type") != "input" {
			t.Errorf("unexpected upload fields %v", r.MultipartForm.Value)
		}
		fmt.Fprintf(w, `{"name": "%s", "subfolder": "", "type": "input"}`, strings.Replace(hdr.Filename, ".png", " (1).png", 1))
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"system": {"os": "posix", "python_version": "3.11"}, "devices": [{"name": "cuda:0", "vram_total": 100, "vram_free": 40}]}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeComfy) client(t *testing.T) (*ComfyClient, *websocket.Conn) {
	t.Helper()
	c := NewComfyClient(config.Comfy{
		BaseURL:  f.srv.URL,
		Timeout:  config.Duration{Duration: 2 * time.Second},
		MaxRetry: 1,
	}, testTunnel, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	select {
	case conn := <-f.conns:
		return c, conn
	case <-ctx.Done():
		t.Fatal("server never saw the websocket connection")
	}
	return nil, nil
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data string) {
	t.Helper()
	msg := fmt.Sprintf(`{"type": %q, "data": %s}`, msgType, data)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Errorf("write %s: %v", msgType, err)
	}
}

func testGraph(t *testing.T) graphapi.Graph {
	t.Helper()
	g, err := graphapi.InpaintGraph(graphapi.InpaintParams{Image: "a.png", Mask: "b.png", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8188":        "ws://localhost:8188/ws?clientId=",
		"https://abc.ngrok.app/comfy/": "wss://abc.ngrok.app/comfy/ws?clientId=",
	}
	for base, want := range cases {
		c := NewComfyClient(config.Comfy{BaseURL: base}, testTunnel, nil)
		got, err := c.websocketURL()
		if err != nil {
			t.Fatalf("websocketURL(%s): %v", base, err)
		}
		if got != want+c.ClientID() {
			t.Errorf("websocketURL(%s) = %s, want %s", base, got, want+c.ClientID())
		}
	}
}

func TestQueuePromptStopsAtOutputNode(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item, err := c.QueuePrompt(ctx, testGraph(t), graphapi.InpaintOutputNode)
	if err != nil {
		t.Fatalf("QueuePrompt: %v", err)
	}
	if item.PromptID != "p1" || item.Number != 3 {
		t.Fatalf("unexpected item %+v", item)
	}
	body := <-f.prompts
	if body["client_id"] != c.ClientID() {
		t.Errorf("client_id = %v", body["client_id"])
	}
	if _, ok := body["prompt"].(map[string]interface{})["9"]; !ok {
		t.Error("prompt body lacks the output node")
	}

	go func() {
		send(t, conn, "status", `{"status": {"exec_info": {"queue_remaining": 1}}}`)
		send(t, conn, "execution_start", `{"prompt_id": "p1"}`)
		send(t, conn, "executing", `{"node": "8", "prompt_id": "p1"}`)
		send(t, conn, "progress", `{"value": 1, "max": 2, "prompt_id": "p1", "node": "8"}`)
		send(t, conn, "progress", `{"value": 2, "max": 2, "prompt_id": "p1", "node": "8"}`)
		send(t, conn, "progress", `{"value": 1, "max": 9, "prompt_id": "other", "node": "8"}`)
		send(t, conn, "executed", `{"node": "9", "output": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}, "prompt_id": "p1"}`)
		send(t, conn, "executing", `{"node": null, "prompt_id": "p1"}`)
	}()

	var (
		executing []string
		progress  []int
		images    []DataOutput
		stops     int
	)
	handlers := &MessageHandlers{
		OnExecuting: func(m *PromptMessageExecuting) { executing = append(executing, m.Title) },
		OnProgress:  func(m *PromptMessageProgress) { progress = append(progress, m.Value) },
		OnData:      func(m *PromptMessageData) { images = append(images, m.Images()...) },
		OnStopped:   func(m *PromptMessageStopped) { stops++ },
	}
	if err := item.ProcessMessages(ctx, handlers); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if len(executing) != 1 || executing[0] != "Sampler" {
		t.Errorf("executing titles %v", executing)
	}
	if len(progress) != 2 || progress[1] != 2 {
		t.Errorf("progress %v, want [1 2]", progress)
	}
	if len(images) != 1 || images[0].Filename != "out.png" {
		t.Fatalf("images %+v", images)
	}
	if stops != 1 {
		t.Errorf("stopped %d times", stops)
	}
	if c.GetQueuedItem("p1") != nil {
		t.Error("finished item still queued")
	}

	data, err := c.GetImage(ctx, images[0])
	if err != nil || string(data) != "PNGBYTES" {
		t.Fatalf("GetImage = %q, %v", data, err)
	}
}

func TestExecutionErrorStopsWithException(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item, err := c.QueuePrompt(ctx, testGraph(t), graphapi.InpaintOutputNode)
	if err != nil {
		t.Fatalf("QueuePrompt: %v", err)
	}
	<-f.prompts
	go send(t, conn, "execution_error", `{"prompt_id": "p1", "node_id": "8", "node_type": "KSampler", "exception_message": "CUDA out of memory", "exception_type": "RuntimeError", "traceback": []}`)

	var exc *PromptMessageStoppedException
	err = item.ProcessMessages(ctx, &MessageHandlers{
		OnError: func(e *PromptMessageStoppedException) { exc = e },
	})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("expected execution error, got %v", err)
	}
	if exc == nil || exc.NodeName != "Sampler" || exc.NodeType != "KSampler" {
		t.Fatalf("unexpected exception %+v", exc)
	}
}

func TestInterruptedItemReturnsErrInterrupted(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := func() error {
		go func() {
			<-f.prompts
			send(t, conn, "execution_interrupted", `{"prompt_id": "p1", "node_id": "8", "node_type": "KSampler", "executed": []}`)
		}()
		return c.QueuePromptAndProcess(ctx, testGraph(t), "", nil)
	}()
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestQueuePromptRejected(t *testing.T) {
	f := newFakeComfy(t)
	f.reject = true
	c, _ := f.client(t)
	_, err := c.QueuePrompt(context.Background(), testGraph(t), "")
	if err == nil || !strings.Contains(err.Error(), "Prompt has no outputs") {
		t.Fatalf("expected prompt rejection, got %v", err)
	}
}

func TestQueuePromptUnknownOutputNode(t *testing.T) {
	f := newFakeComfy(t)
	c, _ := f.client(t)
	_, err := c.QueuePrompt(context.Background(), testGraph(t), "404")
	if !errors.Is(err, graphapi.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestConnectionLossStopsPendingItems(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item, err := c.QueuePrompt(ctx, testGraph(t), "")
	if err != nil {
		t.Fatalf("QueuePrompt: %v", err)
	}
	<-f.prompts
	conn.Close()

	err = item.ProcessMessages(ctx, nil)
	if err == nil || !strings.Contains(err.Error(), ErrConnectionLost.Error()) {
		t.Fatalf("expected connection lost error, got %v", err)
	}
}

func TestUploadAndInfoEndpoints(t *testing.T) {
	f := newFakeComfy(t)
	c := NewComfyClient(config.Comfy{BaseURL: f.srv.URL}, testTunnel, nil)
	ctx := context.Background()

	name, err := c.UploadBytes(ctx, []byte("png"), "source.png", true, InputImageType, "")
	if err != nil {
		t.Fatalf("UploadBytes: %v", err)
	}
	if name != "source (1).png" {
		t.Errorf("server-chosen name %q", name)
	}

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("GetSystemStats: %v", err)
	}
	if stats.System.OS != "posix" || len(stats.Devices) != 1 || stats.Devices[0].VRAM_Free != 40 {
		t.Errorf("unexpected stats %+v", stats)
	}

	info, err := c.GetQueueExecutionInfo(ctx)
	if err != nil || info.ExecInfo.QueueRemaining != 2 {
		t.Fatalf("GetQueueExecutionInfo = %+v, %v", info, err)
	}

	_, err = c.GetImage(ctx, DataOutput{Filename: "missing.png", Type: "output"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func waitDisconnected(t *testing.T, c *ComfyClient) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.IsInitialized() {
		if time.Now().After(deadline) {
			t.Fatal("client still reports a live connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentQueuePromptSharesOneConnection(t *testing.T) {
	f := newFakeComfy(t)
	c := NewComfyClient(config.Comfy{
		BaseURL:  f.srv.URL,
		Timeout:  config.Duration{Duration: 2 * time.Second},
		MaxRetry: 1,
	}, testTunnel, nil)
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	graph := testGraph(t)
	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.QueuePrompt(ctx, graph, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("QueuePrompt: %v", err)
		}
	}
	if n := f.handshakes.Load(); n != 1 {
		t.Fatalf("%d websocket handshakes, want 1", n)
	}
	if !c.IsInitialized() {
		t.Fatal("client should be connected")
	}
}

func TestCloseOfReplacedSocketKeepsNewItems(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	old := c.webSocket
	c.mu.Unlock()
	conn.Close()
	waitDisconnected(t, c)

	item, err := c.QueuePrompt(ctx, testGraph(t), "")
	if err != nil {
		t.Fatalf("QueuePrompt after reconnect: %v", err)
	}
	if n := f.handshakes.Load(); n != 2 {
		t.Fatalf("%d websocket handshakes, want 2", n)
	}

	c.connectionClosed(old, io.EOF)
	if c.GetQueuedItem(item.PromptID) == nil {
		t.Fatal("close of the replaced socket stopped an item of the new one")
	}
}

func TestRegisterRefusedAfterSocketDrop(t *testing.T) {
	f := newFakeComfy(t)
	c, conn := f.client(t)
	conn.Close()
	waitDisconnected(t, c)

	item := newQueueItem(testGraph(t), "")
	item.PromptID = "late"
	c.mu.Lock()
	err := c.register(item)
	c.mu.Unlock()
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if c.GetQueuedItem("late") != nil {
		t.Fatal("item registered on a dead socket")
	}
}

func TestHandlerBuilderChain(t *testing.T) {
	item := newQueueItem(nil, "")
	exc := &PromptMessageStoppedException{NodeID: "8", NodeName: "Sampler", NodeType: "KSampler", ExceptionType: "RuntimeError", ExceptionMessage: "boom"}
	item.Messages <- PromptMessage{Type: "started", Message: &PromptMessageStarted{PromptID: "p1"}}
	item.Messages <- PromptMessage{Type: "execution_success", Message: &PromptMessageExecutionSuccess{PromptID: "p1"}}
	item.Messages <- PromptMessage{Type: "stopped", Message: &PromptMessageStopped{QueueItem: item, Reason: QueuedItemStoppedReasonError, Exception: exc}}

	var calls []string
	handlers := DefaultMessageHandlers().
		WithStartedHandler(func(m *PromptMessageStarted) { calls = append(calls, "started "+m.PromptID) }).
		WithExecutionSuccessHandler(func(m *PromptMessageExecutionSuccess) { calls = append(calls, "success") }).
		WithErrorHandler(func(x *PromptMessageStoppedException) { calls = append(calls, "error "+x.NodeName) }).
		WithStoppedHandler(func(m *PromptMessageStopped) { calls = append(calls, "stopped "+string(m.Reason)) }).
		WithCompleteHandler(func() { calls = append(calls, "complete") })

	err := item.ProcessMessages(context.Background(), handlers)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Exception != exc {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Sampler") {
		t.Errorf("error %q should name the node", err)
	}
	want := []string{"started p1", "success", "error Sampler", "stopped error", "complete"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls %v, want %v", calls, want)
	}
}
