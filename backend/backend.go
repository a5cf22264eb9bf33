// Package backend talks to the external generation server: text-to-image,
// img2img and inpainting requests, LoRA and ControlNet management, and the
// pipeline/system status endpoints polled by the dashboard.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/richinsley/maskstudio/config"
)

// APIError is a non-2xx response. Message is the JSON detail/message field
// when present, otherwise the raw body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	tunnel     config.Tunnel
	httpclient *http.Client
}

// NewClient builds a client from the injected configuration. A nil
// httpClient gets one with the configured timeout.
func NewClient(cfg config.Backend, tunnel config.Tunnel, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout.Duration}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tunnel:     tunnel,
		httpclient: httpClient,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.tunnel.Header != "" {
		req.Header.Set(c.tunnel.Header, c.tunnel.Value)
	}
	return req, nil
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var m struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &m); err == nil {
		switch d := m.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			// validation errors arrive as a list of objects
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) sendForm(ctx context.Context, method, path string, form url.Values) (*Message, error) {
	req, err := c.newRequest(ctx, method, path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(body, msg); err != nil {
		msg.Message = strings.TrimSpace(string(body))
	}
	return msg, nil
}

// Message is the {message, detail} reply of the management endpoints.
type Message struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// GenerateRequest carries the form fields shared by the generation endpoints.
// Optional numeric fields are pointers so that zero can still be sent.
type GenerateRequest struct {
	Prompt            string
	NegativePrompt    string
	Width             int
	Height            int
	NumInferenceSteps int
	GuidanceScale     float64
	Seed              *int64
	Strength          *float64

	// PNG or JPEG bytes; empty parts are omitted
	InitImage    []byte
	ControlImage []byte
}

var ErrEmptyPrompt = errors.New("prompt is required")

func (r *GenerateRequest) writeTo(w *multipart.Writer) error {
	fields := [][2]string{
		{"prompt", r.Prompt},
		{"height", strconv.Itoa(r.Height)},
		{"width", strconv.Itoa(r.Width)},
		{"num_inference_steps", strconv.Itoa(r.NumInferenceSteps)},
		{"guidance_scale", strconv.FormatFloat(r.GuidanceScale, 'f', -1, 64)},
	}
	if r.NegativePrompt != "" {
		fields = append(fields, [2]string{"negative_prompt", r.NegativePrompt})
	}
	if r.Seed != nil {
		fields = append(fields, [2]string{"seed", strconv.FormatInt(*r.Seed, 10)})
	}
	if r.Strength != nil {
		fields = append(fields, [2]string{"strength", strconv.FormatFloat(*r.Strength, 'f', -1, 64)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	files := []struct {
		field, name string
		data        []byte
	}{
		{"init_image", "init_image.png", r.InitImage},
		{"control_image", "control_image.png", r.ControlImage},
	}
	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}
		part, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			return err
		}
		if _, err := part.Write(f.data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) generate(ctx context.Context, path string, r GenerateRequest) ([]byte, error) {
	if strings.TrimSpace(r.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := r.writeTo(writer); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req)
}

// GenerateImage posts a text-to-image request and returns the image bytes.
func (c *Client) GenerateImage(ctx context.Context, r GenerateRequest) ([]byte, error) {
	return c.generate(ctx, "/generate-image/", r)
}

// GenerateImg2Img posts an image-to-image or inpainting request. The mask,
// when present, travels in the control_image part.
func (c *Client) GenerateImg2Img(ctx context.Context, r GenerateRequest) ([]byte, error) {
	if len(r.InitImage) == 0 {
		return nil, errors.New("img2img requires an init image")
	}
	return c.generate(ctx, "/generate-img2img-image/", r)
}

// GenerateAutomatic lets the server pick the pipeline from whatever adapters
// and ControlNets are loaded.
func (c *Client) GenerateAutomatic(ctx context.Context, r GenerateRequest) ([]byte, error) {
	return c.generate(ctx, "/generate-image-automatic/", r)
}

// LoraRequest loads a LoRA adapter into the pipeline.
type LoraRequest struct {
	Name        string
	AdapterName string
	Weight      float64
}

func (c *Client) LoadLora(ctx context.Context, r LoraRequest) (*Message, error) {
	form := url.Values{}
	form.Set("lora_name", r.Name)
	if r.AdapterName != "" {
		form.Set("adapter_name", r.AdapterName)
	}
	if r.Weight != 0 {
		form.Set("weight", strconv.FormatFloat(r.Weight, 'f', -1, 64))
	}
	return c.sendForm(ctx, http.MethodPost, "/load-lora/", form)
}

// ActiveControlNets lists the ControlNets currently attached.
func (c *Client) ActiveControlNets(ctx context.Context) ([]string, error) {
	var out struct {
		ActiveControlNets []string `json:"active_controlnets"`
	}
	if err := c.getJSON(ctx, "/active-controlnets/", &out); err != nil {
		return nil, err
	}
	return out.ActiveControlNets, nil
}

func (c *Client) LoadControlNet(ctx context.Context, name string) (*Message, error) {
	return c.sendForm(ctx, http.MethodPost, "/load-controlnet/", url.Values{"controlnet_type": {name}})
}

func (c *Client) UnloadControlNet(ctx context.Context, name string) (*Message, error) {
	return c.sendForm(ctx, http.MethodDelete, "/unload-controlnet/", url.Values{"controlnet_type": {name}})
}

// PipelineState describes which pipeline the server has loaded.
type PipelineState struct {
	PipelineType     string   `json:"pipeline_type"`
	ActiveControlNet *string  `json:"active_controlnet"`
	ActiveAdapters   []string `json:"active_adapters"`
}

func (c *Client) PipelineState(ctx context.Context) (*PipelineState, error) {
	st := &PipelineState{}
	if err := c.getJSON(ctx, "/pipeline-state/", st); err != nil {
		return nil, err
	}
	return st, nil
}

// Stats is the server's resource utilisation, percentages in [0,100].
type Stats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	RAMPercent     float64 `json:"ram_percent"`
	GPUPercent     float64 `json:"gpu_percent"`
	GPUMemoryUsed  float64 `json:"gpu_memory_used"`
	GPUMemoryTotal float64 `json:"gpu_memory_total"`
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := c.getJSON(ctx, "/stats", st); err != nil {
		return nil, err
	}
	return st, nil
}
