package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

var (
	ErrNoAPIKey      = errors.New("generator: api key is not configured")
	ErrEmptyResponse = errors.New("generator: model returned no text")
	ErrDisabled      = errors.New("generator: disabled, fallback templates are used")
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GeminiClient calls the generateContent endpoint of the Gemini API.
type GeminiClient struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
	apiKey  string
	model   string
	baseURL string
}

type GeminiClientConfig struct {
	Generator  config.GeneratorConfig
	Logger     *logger.Logger
	HTTPClient *http.Client
}

func NewGeminiClient(cfg GeminiClientConfig) (*GeminiClient, error) {
	if cfg.Generator.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Generator.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rpm := cfg.Generator.RequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}

	return &GeminiClient{
		client:  httpClient,
		limiter: limiter,
		logger:  cfg.Logger,
		apiKey:  cfg.Generator.APIKey,
		model:   cfg.Generator.Model,
		baseURL: strings.TrimRight(cfg.Generator.BaseURL, "/"),
	}, nil
}

var _ ports.Generator = (*GeminiClient)(nil)

func (g *GeminiClient) Generate(ctx context.Context, input ports.GenerateInput) (domain.ArtifactSet, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	started := time.Now()
	text, err := g.complete(ctx, BuildPrompt(input))
	if err != nil {
		g.logger.Warnw("generator_request_failed", "model", g.model, "round", input.Round, "error", err)
		return nil, err
	}

	artifacts := ParseOutput(text)
	g.logger.Infow("generator_ok",
		"model", g.model,
		"round", input.Round,
		"files", artifacts.Names(),
		"duration", time.Since(started),
	)
	return artifacts, nil
}

func (g *GeminiClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The key stays out of the URL so transport errors never carry it into logs.
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("model responded %d", resp.StatusCode)
		}
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("model responded %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("model responded %d", resp.StatusCode)
	}

	if len(parsed.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

// Disabled is used when no model is configured; every call falls back.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, input ports.GenerateInput) (domain.ArtifactSet, error) {
	return nil, ErrDisabled
}

// New picks the generator named by cfg.Provider.
func New(cfg config.GeneratorConfig, log *logger.Logger) (ports.Generator, error) {
	switch cfg.Provider {
	case config.GeneratorProviderFallback:
		return Disabled{}, nil
	case config.GeneratorProviderGemini:
		client, err := NewGeminiClient(GeminiClientConfig{Generator: cfg, Logger: log})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
