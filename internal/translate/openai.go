package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("translation API key not configured")

// Request is one translation. Exactly one of Text and ImageURL is set.
type Request struct {
	Text     string
	ImageURL string
	Lang     Lang
}

type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// OpenAIClient talks to an OpenAI compatible chat completions endpoint.
type OpenAIClient struct {
	mu   sync.RWMutex
	cfg  ClientConfig
	http *http.Client
}

func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	cfg = cfg.withDefaults()
	return &OpenAIClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *OpenAIClient) Apply(cfg ClientConfig) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.http.Timeout = cfg.Timeout
	c.mu.Unlock()
}

func (c *OpenAIClient) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.APIKey != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func systemPrompt(l Lang) string {
	return fmt.Sprintf("You are a translator. Translate the user's text into natural %s. Reply with the translation only, without explanations or notes.", l.Label)
}

func imagePrompt(l Lang) string {
	return fmt.Sprintf("Read all text in this image and translate it into natural %s. Reply with the translation only. If the image contains no text, reply with \"(no text in image)\".", l.Label)
}

func (c *OpenAIClient) Translate(ctx context.Context, req Request) (string, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	if cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	body := chatRequest{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if req.ImageURL != "" {
		body.Messages = []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: imagePrompt(req.Lang)},
				{Type: "image_url", ImageURL: &imageURL{URL: req.ImageURL}},
			},
		}}
	} else {
		body.Messages = []chatMessage{
			{Role: "system", Content: systemPrompt(req.Lang)},
			{Role: "user", Content: req.Text},
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("OpenAI API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty translation result")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty translation result")
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
