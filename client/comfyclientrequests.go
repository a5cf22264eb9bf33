package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/richinsley/maskstudio/graphapi"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/history")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/history")
@routes.post("/upload/image")
*/

// StatusError is a non-2xx response from ComfyUI.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("comfyui error %d: %s", e.StatusCode, e.Body)
}

func (c *ComfyClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.tunnel.Header != "" {
		req.Header.Set(c.tunnel.Header, c.tunnel.Value)
	}
	return req, nil
}

func (c *ComfyClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *ComfyClient) postJSON(ctx context.Context, path string, in interface{}) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queue_exec := &QueueExecInfo{}
	if err := c.getJSON(ctx, "/prompt", queue_exec); err != nil {
		return nil, err
	}
	return queue_exec, nil
}

// GetImage downloads an output file reported in an "executed" message.
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)
	req, err := c.newRequest(ctx, http.MethodGet, "/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *ComfyClient) GetPromptHistoryByIndex(ctx context.Context) ([]PromptHistoryItem, error) {
	history, err := c.GetPromptHistoryByID(ctx)
	if err != nil {
		return nil, err
	}

	// ComfyUI does not recalculate the indicies of prompt history items,
	// so the indecies may not always be ordered 0..n
	retv := make([]PromptHistoryItem, 0, len(history))
	for _, h := range history {
		retv = append(retv, h)
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].Index < retv[j].Index
	})
	return retv, nil
}

func (c *ComfyClient) GetPromptHistoryByID(ctx context.Context) (map[string]PromptHistoryItem, error) {
	type internalOutputs struct {
		Images []DataOutput `json:"images"`
	}
	type internalPromptHistoryItem struct {
		// The prompt is stored as an array layed out like this:
		// [
		// 	[0] index 		int,
		// 	[1] promptID 	string,
		// 	[2] prompt 		graphapi.Graph,
		// 	[3] extra_data 	object,
		//  [4] outputs     []string 	// array of nodeIDs that have outputs
		// ]
		Prompt  []json.RawMessage          `json:"prompt"`
		Outputs map[string]internalOutputs `json:"outputs"`
	}

	history := make(map[string]internalPromptHistoryItem)
	if err := c.getJSON(ctx, "/history", &history); err != nil {
		return nil, err
	}

	ret := make(map[string]PromptHistoryItem, len(history))
	for id, ph := range history {
		if len(ph.Prompt) < 3 {
			return nil, fmt.Errorf("history item %s: malformed prompt", id)
		}
		item := PromptHistoryItem{
			PromptID: id,
			Outputs:  make(map[string][]DataOutput),
		}
		if err := json.Unmarshal(ph.Prompt[0], &item.Index); err != nil {
			return nil, fmt.Errorf("history item %s: %w", id, err)
		}
		if err := json.Unmarshal(ph.Prompt[2], &item.Graph); err != nil {
			return nil, fmt.Errorf("history item %s: %w", id, err)
		}
		for node, o := range ph.Outputs {
			item.Outputs[node] = o.Images
		}
		ret[id] = item
	}
	return ret, nil
}

// QueuePrompt submits graph and returns the item whose Messages channel
// receives its progress. When outputNode is set the item stops as soon as
// that node has executed.
func (c *ComfyClient) QueuePrompt(ctx context.Context, graph graphapi.Graph, outputNode string) (*QueueItem, error) {
	if err := c.CheckConnection(ctx); err != nil {
		return nil, err
	}
	if outputNode != "" {
		if _, ok := graph[outputNode]; !ok {
			return nil, fmt.Errorf("%w: output node %s", graphapi.ErrNodeNotFound, outputNode)
		}
	}

	// prevent a race where the ws may provide messages about a queued item before
	// we add the item to our internal map
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.postJSON(ctx, "/prompt", graph.ToPrompt(c.clientid))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			// {"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": {}}
			perror := &PromptErrorMessage{}
			if json.Unmarshal(body, perror) == nil && perror.Error.Message != "" {
				return nil, fmt.Errorf("prompt rejected: %s", perror.Error.Message)
			}
		}
		return nil, err
	}

	item := newQueueItem(graph, outputNode)
	if err := json.Unmarshal(body, item); err != nil {
		slog.Error("error unmarshalling prompt response", "body", string(body))
		return nil, err
	}
	if item.PromptID == "" {
		return nil, errors.New("server did not return a prompt id")
	}
	if err := c.register(item); err != nil {
		return nil, fmt.Errorf("prompt %s queued but cannot be followed: %w", item.PromptID, err)
	}
	return item, nil
}

// register adds item to the pending set. c.mu must be held. A socket that
// dropped during the POST has already flushed the pending set, so the item
// would never be stopped.
func (c *ComfyClient) register(item *QueueItem) error {
	if c.webSocket == nil || !c.webSocket.IsConnected() {
		return ErrConnectionLost
	}
	c.queueditems[item.PromptID] = item
	return nil
}

func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/interrupt", struct{}{})
	return err
}

func (c *ComfyClient) EraseHistory(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/history", map[string]bool{"clear": true})
	return err
}

func (c *ComfyClient) EraseHistoryItem(ctx context.Context, promptID string) error {
	// delete post takes an array of IDs. We'll provide a single ID in a json array
	_, err := c.postJSON(ctx, "/history", map[string][]string{"delete": {promptID}})
	return err
}
