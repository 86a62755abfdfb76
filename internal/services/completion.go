package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"digichat/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

// ChatTurn 一轮对话，Role 取值 user / assistant
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 一次生成请求
type CompletionRequest struct {
	SystemInstruction string
	History           []ChatTurn
	UserText          string
	Temperature       float32
	MaxOutputTokens   int32
}

// ModelInfo 可用模型
type ModelInfo struct {
	ID                         string   `json:"id"`
	Name                       string   `json:"name"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// CompletionClient 文本生成服务；错误统一为 *UpstreamError
type CompletionClient interface {
	Generate(ctx context.Context, model string, req CompletionRequest) (string, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

var _ CompletionClient = (*GeminiClient)(nil)

// GeminiClient 基于 genai SDK 的生成服务
type GeminiClient struct {
	client *genai.Client
	logger *logrus.Logger
}

// NewGeminiClient 创建客户端，连接与总超时由配置决定
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig, logger *logrus.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ConfigError{Reason: "Gemini API key not configured.", Hint: "Set GEMINI_API_KEY or ai.gemini.api_key"}
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(transport),
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger}, nil
}

// Generate 调用 generateContent
func (g *GeminiClient) Generate(ctx context.Context, model string, req CompletionRequest) (string, error) {
	ctx, span := otel.Tracer("digichat/gemini").Start(ctx, "GeminiClient.Generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", model))

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := genai.Role(genai.RoleUser)
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.UserText, genai.RoleUser))

	temp := req.Temperature
	genCfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.SystemInstruction != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		upErr := classifyGenAIError(model, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, upErr.Error())
		return "", upErr
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, "empty response")
		return "", &UpstreamError{Kind: UpstreamEmpty, Status: http.StatusBadGateway, Model: model}
	}

	g.logger.Debugf("Gemini %s answered in %v", model, time.Since(start))
	return text, nil
}

// ListModels 列出支持 generateContent 的模型
func (g *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, span := otel.Tracer("digichat/gemini").Start(ctx, "GeminiClient.ListModels", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	out := make([]ModelInfo, 0)
	for m, err := range g.client.Models.All(ctx) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, classifyGenAIError("", err)
		}
		if !supportsGenerate(m.SupportedActions) {
			continue
		}
		out = append(out, ModelInfo{
			ID:                         strings.TrimPrefix(m.Name, "models/"),
			Name:                       m.DisplayName,
			SupportedGenerationMethods: m.SupportedActions,
		})
	}
	return out, nil
}

func supportsGenerate(actions []string) bool {
	for _, a := range actions {
		if a == "generateContent" {
			return true
		}
	}
	return false
}

// classifyGenAIError 区分 HTTP 错误与传输错误
func classifyGenAIError(model string, err error) *UpstreamError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Kind: UpstreamHTTP, Status: apiErr.Code, Model: model, Detail: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &UpstreamError{Kind: UpstreamHTTP, Status: apiErrPtr.Code, Model: model, Detail: apiErrPtr.Message}
	}
	return &UpstreamError{Kind: UpstreamTransport, Model: model, Detail: err.Error()}
}
