package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"kittybot/internal/providers"
)

// Config describes a self-hosted completion endpoint. BodyTemplate is a
// text/template rendered with .Model, .Messages, .MaxTokens, .Temperature and
// .APIKey; without one the OpenAI chat shape is sent.
type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
}

type Client struct {
	cfg Config
	tpl *template.Template
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("custom http url is empty")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("custom_http_body").
			Funcs(template.FuncMap{"json": toJSON}).
			Option("missingkey=zero").
			Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse body template: %w", err)
		}
		c.tpl = tpl
	}
	return c, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build custom request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(c.cfg.Headers) == 0 && c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read custom response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return providers.ChatResponse{}, fmt.Errorf("%w: custom provider status %d", providers.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.ChatResponse{}, fmt.Errorf("custom provider status %d", resp.StatusCode)
	}

	return extract(b)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func wireMessages(msgs []providers.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.tpl == nil {
		b, err := json.Marshal(map[string]any{
			"model":       req.Model,
			"messages":    wireMessages(req.Messages),
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":       req.Model,
		"Messages":    wireMessages(req.Messages),
		"MaxTokens":   req.MaxTokens,
		"Temperature": req.Temperature,
		"APIKey":      c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func extract(body []byte) (providers.ChatResponse, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return providers.ChatResponse{Text: trimmed}, nil
		}
		return providers.ChatResponse{}, fmt.Errorf("decode custom response: %w", err)
	}

	out := providers.ChatResponse{TokensUsed: usageTokens(simple)}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			out.Text = v
			return out, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					out.Text = content
					return out, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				out.Text = text
				return out, nil
			}
		}
	}

	return providers.ChatResponse{}, fmt.Errorf("custom response does not contain text field")
}

func usageTokens(body map[string]any) int {
	usage, ok := body["usage"].(map[string]any)
	if !ok {
		return 0
	}
	if total, ok := usage["total_tokens"].(float64); ok {
		return int(total)
	}
	return 0
}
