// Package llm talks to the local OpenAI-compatible model host (Ollama
// style). Every method degrades gracefully: callers treat an error as
// "proceed without AI fields", never as a pipeline stop.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
)

// Retry and breaker tuning. The breaker opens after a short burst of mostly
// failed calls and probes again after its timeout; retries stop immediately
// once it opens.
var retryBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second}

const (
	breakerInterval = 30 * time.Second
	breakerTimeout  = 45 * time.Second

	requestsPerSecond = 2
	requestBurst      = 4
)

// New returns the LLM collaborator for cfg: the deterministic fast-test
// generator when fast_test_mode is on, the real client otherwise.
func New(cfg config.Config, log *zap.Logger) model.LLM {
	if cfg.FastTestMode {
		return &FastTest{}
	}
	return NewClient(cfg, log)
}

// Client implements model.LLM against an OpenAI-compatible chat endpoint
// with a raw fallback to the native generate API for hosts that lack the
// compatibility layer.
type Client struct {
	host    string
	chat    *openai.Client
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	sem     chan struct{}
	log     *zap.Logger

	defaultModel  string
	classifyModel string
	analyzeModel  string
	tagModel      string
	timeout       time.Duration
	contextWindow int

	// SimpleOverride short-circuits SimpleClassify when it returns ok.
	// Runtime hooks use it to steer legacy classification during rescans.
	SimpleOverride func(text string) (category, filename string, ok bool)
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	oc := openai.DefaultConfig("local")
	oc.BaseURL = cfg.LLMHost + "/v1"
	chat := openai.NewClientWithConfig(oc)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 2,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 4 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("llm circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	concurrent := cfg.LLMMaxConcurrent
	if concurrent < 1 {
		concurrent = 1
	}
	timeout := time.Duration(cfg.LLMTimeoutSecs) * time.Second

	return &Client{
		host:          cfg.LLMHost,
		chat:          chat,
		http:          &http.Client{Timeout: timeout},
		breaker:       breaker,
		limiter:       rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		sem:           make(chan struct{}, concurrent),
		log:           log,
		defaultModel:  cfg.LLMModel,
		classifyModel: defaultIfEmpty(cfg.ClassifyModel, cfg.LLMModel),
		analyzeModel:  defaultIfEmpty(cfg.AnalyzeModel, cfg.LLMModel),
		tagModel:      defaultIfEmpty(cfg.TagModel, cfg.LLMModel),
		timeout:       timeout,
		contextWindow: cfg.LLMContextWindow,
	}
}

// Classify asks for category, confidence, reasoning, suggested filename and
// summary for one document's OCR text.
func (c *Client) Classify(ctx context.Context, text, filename string, pageCount int, sizeMB float64) (*model.Classification, error) {
	prompt := classifyPrompt(truncateForContext(text, c.contextWindow), filename, pageCount, sizeMB)
	raw, err := c.complete(ctx, c.classifyModel, prompt)
	if err != nil {
		return nil, err
	}
	return parseClassification(raw)
}

// AnalyzeDocumentType asks for the single-vs-batch verdict over the sampled
// page texts.
func (c *Client) AnalyzeDocumentType(ctx context.Context, samples []string, filename string, pageCount int, sizeMB float64) (*model.TypeAnalysis, error) {
	capped := make([]string, len(samples))
	for i, s := range samples {
		capped[i] = truncateForContext(s, c.contextWindow/4)
	}
	raw, err := c.complete(ctx, c.analyzeModel, analyzePrompt(capped, filename, pageCount, sizeMB))
	if err != nil {
		return nil, err
	}
	return parseTypeAnalysis(raw)
}

// ExtractTags asks for the entity tags of an exported document.
func (c *Client) ExtractTags(ctx context.Context, text string) (*model.Tags, error) {
	raw, err := c.complete(ctx, c.tagModel, tagsPrompt(truncateForContext(text, c.contextWindow)))
	if err != nil {
		return nil, err
	}
	return parseTags(raw)
}

// SimpleClassify is the legacy single-shot classifier: one line of
// "category|filename" over the native generate endpoint. The override hook
// runs first so rescan-time steering wins.
func (c *Client) SimpleClassify(ctx context.Context, text string) (string, string, error) {
	if c.SimpleOverride != nil {
		if category, filename, ok := c.SimpleOverride(text); ok {
			return category, filename, nil
		}
	}

	if err := c.acquire(ctx); err != nil {
		return "", "", err
	}
	defer c.release()

	raw, err := c.generateOnce(ctx, c.defaultModel, simplePrompt(truncateForContext(text, c.contextWindow)), false)
	if err != nil {
		return "", "", err
	}
	category, filename := parseSimple(raw)
	if category == "" {
		return "", "", fmt.Errorf("legacy classifier returned no category in %q", clip(raw))
	}
	return category, filename, nil
}

// complete runs one prompt through the chat endpoint with bounded retries,
// then falls back to the native generate endpoint once. The breaker wraps
// only the chat path; when it is open the host gets no further traffic.
func (c *Client) complete(ctx context.Context, modelName, prompt string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff[attempt-1]):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.chatOnce(ctx, modelName, prompt)
		})
		if err == nil {
			return out.(string), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("llm host unavailable: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log.Debug("llm chat attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("model", modelName),
			zap.Error(err))
	}

	if out, err := c.generateOnce(ctx, modelName, prompt, true); err == nil {
		c.log.Debug("llm fell back to generate endpoint", zap.String("model", modelName))
		return out, nil
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, modelName, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) generateOnce(ctx context.Context, modelName, prompt string, jsonFormat bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := generateRequest{Model: modelName, Prompt: prompt}
	if jsonFormat {
		req.Format = "json"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generate endpoint returned status %d: %s", resp.StatusCode, clip(string(raw)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("generate endpoint returned an empty response")
	}
	return out.Response, nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
