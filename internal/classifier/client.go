package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"abusedesk/backend/internal/cache"
	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/domain"
)

var (
	// ErrNotConfigured 未配置推理服务地址
	ErrNotConfigured = errors.New("classifier not configured")
	// ErrServiceUnavailable 推理服务不可达、超时或返回非 2xx
	ErrServiceUnavailable = errors.New("classifier service unavailable")

	errMalformedEnvelope = errors.New("malformed classifier response envelope")
)

// Provider 推理服务协议
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// 响应体读取上限
const maxResponseBytes = 4 << 20

// Client 调用外部推理服务进行威胁分类
type Client struct {
	provider   Provider
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	verdicts   *cache.LocalCache[domain.ThreatAssessment] // 按内容摘要缓存，nil 表示不缓存
	log        *zap.Logger
}

// New 根据配置创建分类客户端
func New(cfg *config.ClassifierConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	provider := Provider(strings.ToLower(cfg.Provider))
	if provider == "" {
		provider = ProviderOllama
	}

	var verdicts *cache.LocalCache[domain.ThreatAssessment]
	if cfg.CacheSize > 0 {
		verdicts = cache.NewLocalCache[domain.ThreatAssessment](cfg.CacheSize, cfg.CacheTTL)
	}

	return &Client{
		provider: provider,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:  limiter,
		verdicts: verdicts,
		log:      log.Named("classifier"),
	}
}

// Configured 是否配置了推理服务
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Classify 对一段内容进行威胁分类。
//
// 只有服务不可用时返回错误；模型输出无法解析时返回兜底评估。
func (c *Client) Classify(ctx context.Context, content string) (domain.ThreatAssessment, error) {
	if !c.Configured() {
		return domain.ThreatAssessment{}, ErrNotConfigured
	}

	key := contentKey(content)
	if c.verdicts != nil {
		if cached, ok := c.verdicts.Get(key); ok {
			c.log.Debug("classification cache hit")
			return cached, nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.ThreatAssessment{}, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
	}

	var (
		raw string
		err error
	)
	switch c.provider {
	case ProviderOpenAI:
		raw, err = c.chatCompletion(ctx, content)
	default:
		raw, err = c.generate(ctx, content)
	}

	if errors.Is(err, errMalformedEnvelope) {
		c.log.Warn("malformed classifier response", zap.Error(err))
		return domain.DefaultAssessment(domain.SummaryParseFailed), nil
	}
	if err != nil {
		return domain.ThreatAssessment{}, err
	}

	c.log.Debug("raw model response", zap.Int("bytes", len(raw)))
	assessment := ParseAssessment(raw)
	if assessment.Summary == domain.SummaryParseFailed || assessment.Summary == domain.SummaryNoResponse {
		c.log.Warn("model response could not be parsed", zap.String("summary", assessment.Summary))
		return assessment, nil
	}
	if c.verdicts != nil {
		c.verdicts.Set(key, assessment, 0)
	}
	return assessment, nil
}

// Close 释放缓存的后台资源
func (c *Client) Close() {
	if c.verdicts != nil {
		c.verdicts.Close()
	}
}

func contentKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate 调用 ollama /api/generate
func (c *Client) generate(ctx context.Context, content string) (string, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: BuildPrompt(content),
		Stream: false,
		Format: "json",
	}

	var resp generateResponse
	if err := c.post(ctx, "/api/generate", body, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// chatCompletion 调用 openai 兼容的 /v1/chat/completions
func (c *Client) chatCompletion(ctx context.Context, content string) (string, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(content)},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	if err := c.post(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// post 发送 JSON 请求并解码响应信封
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrServiceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, truncate(string(respBody), 200))
	}

	c.log.Debug("classifier call finished",
		zap.String("provider", string(c.provider)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
