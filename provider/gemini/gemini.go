// Package gemini implements the cortex LLM, text, and embedding callbacks
// on the Google Gemini REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cortex "github.com/SerjRs/cortex"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client is a minimal Gemini REST client bound to one model.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature float64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// New creates a client for one model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		temperature: 0.1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// --- Wire types ---

type genRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	Tools             []toolDecls      `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type toolDecls struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type genResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// toolDeclarations describes the two cortex tools to the model.
var toolDeclarations = []functionDecl{
	{
		Name:        cortex.ToolSessionsSpawn,
		Description: "Delegate a self-contained task to a background worker. Returns later as a NEW RESULT entry.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task":{"type":"string","description":"Full task description, self-contained"},
			"priority":{"type":"string","enum":["urgent","normal","background"]}},
			"required":["task"]}`),
	},
	{
		Name:        cortex.ToolMemoryQuery,
		Description: "Search long-term memory. Results arrive as a NEW RESULT entry next turn.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string"},
			"limit":{"type":"integer"}},
			"required":["query"]}`),
	},
}

// Turn is a cortex.LLMFunc: it renders the assembled context into a Gemini
// conversation, advertises the cortex tools, and decodes text plus tool
// calls from the reply.
func (c *Client) Turn(ctx context.Context, ac cortex.AssembledContext) (cortex.LLMResult, error) {
	req := genRequest{
		SystemInstruction: &content{Parts: []part{{Text: systemText(ac)}}},
		Tools:             []toolDecls{{FunctionDeclarations: toolDeclarations}},
		GenerationConfig:  generationConfig{Temperature: c.temperature},
	}
	for _, m := range ac.Foreground {
		role := "user"
		if m.Role == cortex.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	if len(req.Contents) == 0 {
		req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: ""}}})
	}

	resp, err := c.generate(ctx, req)
	if err != nil {
		return cortex.LLMResult{}, err
	}

	var result cortex.LLMResult
	callSeq := 0
	for _, p := range resp.Parts {
		if p.FunctionCall != nil {
			callSeq++
			result.ToolCalls = append(result.ToolCalls, cortex.ToolCall{
				ID:   fmt.Sprintf("call_%d", callSeq),
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			})
			continue
		}
		result.Text += p.Text
	}
	return result, nil
}

// Generate is a plain prompt-in, text-out call (cortex.TextFunc and the
// router's ExecFunc shape with the model fixed).
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.generate(ctx, genRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: c.temperature},
	})
	if err != nil {
		return "", err
	}
	text := ""
	for _, p := range resp.Parts {
		text += p.Text
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, req genRequest) (*content, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, c.model, c.apiKey)
	var out genResponse
	if err := c.post(ctx, url, req, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("gemini: %d %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty response")
	}
	return &out.Candidates[0].Content, nil
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gemini: HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	return json.Unmarshal(body, out)
}

// systemText flattens the system floor and background layers for the
// systemInstruction slot.
func systemText(ac cortex.AssembledContext) string {
	if ac.Background == "" {
		return ac.SystemFloor
	}
	return ac.SystemFloor + "\n\n" + ac.Background
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Embeddings ---

// Embedding is a Gemini embedding client.
type Embedding struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewEmbedding creates an embedding client. dimensions 0 keeps the model
// default.
func NewEmbedding(apiKey, model string, dimensions int) *Embedding {
	return &Embedding{
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Content              content `json:"content"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Embed is a cortex.EmbedFunc.
func (e *Embedding) Embed(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", baseURL, e.model, e.apiKey)
	req := embedRequest{
		Content:              content{Parts: []part{{Text: text}}},
		OutputDimensionality: e.dimensions,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal embed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read embed response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gemini: embed HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gemini: decode embed: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("gemini: %d %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini: empty embedding")
	}
	return out.Embedding.Values, nil
}
