package impression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/impressiond/internal/config"
)

// Phase names used for per-phase model resolution.
const (
	PhaseAlias       = "alias"
	PhaseAttribution = "attribution"
	Phase1           = "phase1"
	Phase2           = "phase2"
	Phase3           = "phase3"
)

// Caller issues one chat completion for a pipeline phase. The pipeline
// and resolvers depend on this interface so tests can inject fakes.
type Caller interface {
	Call(ctx context.Context, phase, systemPrompt, userPrompt string) (string, error)
}

type phaseModel struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
}

type client struct {
	cfg        *config.Config
	httpClient *http.Client
}

func NewCaller(cfg *config.Config) Caller {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) phaseConfig(phase string) config.PhaseConfig {
	switch phase {
	case PhaseAlias:
		return c.cfg.Alias.Phase
	case PhaseAttribution:
		return c.cfg.Attribution.Phase
	case Phase1:
		return c.cfg.Update.Phase1
	case Phase2:
		return c.cfg.Update.Phase2
	case Phase3:
		return c.cfg.Update.Phase3
	}
	return config.PhaseConfig{}
}

// resolve walks the provider fallback chain: phase-specific settings,
// then the update-level provider, then the session provider.
func (c *client) resolve(phase string) (phaseModel, error) {
	pc := c.phaseConfig(phase)

	var m phaseModel
	if pc.Provider != nil {
		m.apiKey = pc.Provider.APIKey
		m.baseURL = pc.Provider.BaseURL
	}
	if m.apiKey == "" && c.cfg.Update.Provider != nil {
		m.apiKey = c.cfg.Update.Provider.APIKey
	}
	if m.baseURL == "" && c.cfg.Update.Provider != nil {
		m.baseURL = c.cfg.Update.Provider.BaseURL
	}
	if m.apiKey == "" {
		m.apiKey = c.cfg.Provider.APIKey
	}
	if m.baseURL == "" {
		m.baseURL = c.cfg.Provider.BaseURL
	}

	m.model = pc.Model
	if m.model == "" {
		m.model = c.cfg.Update.Model
	}
	m.maxTokens = pc.MaxTokens
	if m.maxTokens <= 0 {
		m.maxTokens = c.cfg.Update.MaxTokens
	}
	if m.maxTokens <= 0 {
		m.maxTokens = config.DefaultMaxTokens
	}

	m.baseURL = strings.TrimRight(strings.TrimSpace(m.baseURL), "/")
	if strings.TrimSpace(m.apiKey) == "" {
		return m, fmt.Errorf("%w: no api key resolves for %s", ErrConfigInvalid, phase)
	}
	if m.baseURL == "" {
		return m, fmt.Errorf("%w: no base url resolves for %s", ErrConfigInvalid, phase)
	}
	if m.model == "" {
		return m, fmt.Errorf("%w: no model resolves for %s", ErrConfigInvalid, phase)
	}
	return m, nil
}

func (c *client) Call(ctx context.Context, phase, systemPrompt, userPrompt string) (string, error) {
	m, err := c.resolve(phase)
	if err != nil {
		return "", err
	}

	if c.cfg.Debug {
		log.Printf("[impression] %s prompt:\n%s", phase, userPrompt)
	}

	body := map[string]any{
		"model": m.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"max_tokens":  m.maxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCallFailed, phase, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: read response: %v", ErrCallFailed, phase, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s: http %d: %s", ErrCallFailed, phase, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("%w: %s: decode response: %v", ErrCallFailed, phase, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: %s: empty choices in response", ErrCallFailed, phase)
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: %s: empty content in response", ErrCallFailed, phase)
	}

	if c.cfg.Debug {
		log.Printf("[impression] %s duration: %.2fs", phase, time.Since(start).Seconds())
		log.Printf("[impression] %s raw response:\n%s", phase, content)
	}
	return content, nil
}
