package services

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"digichat/internal/config"
	"digichat/internal/metrics"
	"digichat/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	ModeFAQ     = "faq"
	ModeGeneral = "general"

	maxQuestionRunes = 2000
	maxHistoryTurns  = 10
	maxTurnRunes     = 5000

	// AgentRedirectModel 命中人工关键词时的伪模型名
	AgentRedirectModel = "agent-redirect"
	// AgentRedirectMessage 转人工提示
	AgentRedirectMessage = "🧑‍💼 Connecting you to an agent…\nPlease wait while we assign a support representative."

	faqSystemInstruction = "You are DigiMarker Assistant. Answer ONLY using the provided FAQ context. " +
		"If the answer is not present in the context, do NOT say \"I don't have that information in the DigiMarker FAQ.\" " +
		"Instead, briefly suggest that the user can clear or update the current context, provide more detail about their question, " +
		"or review the available FAQ tags/categories to see if they help. " +
		"Keep the answer short, step-by-step when applicable."
	generalSystemInstruction = "You are DigiMarker Assistant. Be accurate and concise. " +
		"If you are unsure, ask one clarifying question."
)

var agentKeywords = []string{
	"agent",
	"human",
	"customer care",
	"customer support",
	"talk to someone",
	"connect me",
	"real person",
	"employee",
	"call me",
	"support executive",
}

// WantsAgent 问题中是否包含转人工意图
func WantsAgent(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range agentKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// AnswerKind 回答结果类型
type AnswerKind int

const (
	AnswerSuccess AnswerKind = iota
	AnswerAgentRedirect
	AnswerAgentMode
)

// AnswerRequest 访客提问
type AnswerRequest struct {
	Question  string
	Mode      string
	History   []ChatTurn
	SessionID string
}

// AnswerResult 回答结果
type AnswerResult struct {
	Kind  AnswerKind
	Text  string
	Model string
}

// AgentRequested 是否需要提示前端进入人工模式
func (r *AnswerResult) AgentRequested() bool {
	return r.Kind == AnswerAgentRedirect || r.Kind == AnswerAgentMode
}

// AnswerEngine 在 FAQ、通用 AI 与转人工之间做决策
type AnswerEngine struct {
	sessions   *SessionStore
	assignment *AssignmentEngine
	messages   *MessageRouter
	kb         *KnowledgeBase
	completion CompletionClient
	breaker    *CircuitBreaker
	gemini     config.GeminiConfig
	logger     *logrus.Logger
}

// AnswerEngineDeps 构造依赖
type AnswerEngineDeps struct {
	Sessions   *SessionStore
	Assignment *AssignmentEngine
	Messages   *MessageRouter
	Knowledge  *KnowledgeBase
	Completion CompletionClient // 为 nil 表示未配置 API key
	Breaker    *CircuitBreaker
	Gemini     config.GeminiConfig
	Logger     *logrus.Logger
}

// NewAnswerEngine 创建回答引擎
func NewAnswerEngine(deps AnswerEngineDeps) *AnswerEngine {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &AnswerEngine{
		sessions:   deps.Sessions,
		assignment: deps.Assignment,
		messages:   deps.Messages,
		kb:         deps.Knowledge,
		completion: deps.Completion,
		breaker:    deps.Breaker,
		gemini:     deps.Gemini,
		logger:     deps.Logger,
	}
}

// Answer 处理一轮访客提问
func (e *AnswerEngine) Answer(ctx context.Context, req AnswerRequest) (*AnswerResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = ModeFAQ
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID != "" {
		if err := ValidateSessionID(sessionID); err != nil {
			return nil, err
		}
		if e.inAgentMode(ctx, sessionID, question) {
			return &AnswerResult{Kind: AnswerAgentMode}, nil
		}
	}

	if mode != ModeFAQ && mode != ModeGeneral {
		return nil, ErrInvalidMode
	}
	question = truncateRunes(question, maxQuestionRunes)

	if WantsAgent(question) {
		e.requestAgent(ctx, sessionID)
		return &AnswerResult{Kind: AnswerAgentRedirect, Text: AgentRedirectMessage, Model: AgentRedirectModel}, nil
	}

	if e.completion == nil {
		return nil, &ConfigError{Reason: "Gemini API key not configured.", Hint: "Set GEMINI_API_KEY or ai.gemini.api_key"}
	}
	faqContext := ""
	if mode == ModeFAQ {
		faqContext = e.kb.Context()
		if faqContext == "" {
			return nil, &ConfigError{Reason: ErrFAQNotFound.Error() + ".", Hint: "Ensure data/chatbot_faq.json exists and is readable"}
		}
	}

	text, model, err := e.complete(ctx, buildCompletionRequest(mode, question, faqContext, req.History, e.maxOutputTokens()))
	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			metrics.IncUpstreamError(string(upErr.Kind))
			if sessionID != "" {
				e.messages.LogBestEffort(ctx, sessionID, models.SenderSystem, upErr.Error(), models.SourceSystem)
			}
		}
		return nil, err
	}

	if sessionID != "" {
		source := models.SourceGemini
		if mode == ModeFAQ {
			source = models.SourceFAQ
		}
		e.messages.LogBestEffort(ctx, sessionID, models.SenderBot, text, source)
	}
	return &AnswerResult{Kind: AnswerSuccess, Text: text, Model: model}, nil
}

// inAgentMode 确保会话存在并记录用户消息；存储故障时按非坐席模式继续
func (e *AnswerEngine) inAgentMode(ctx context.Context, sessionID, question string) bool {
	if _, err := e.sessions.EnsureSession(ctx, sessionID); err != nil {
		e.logger.Warnf("ensure session %s: %v", sessionID, err)
		return false
	}
	e.messages.LogBestEffort(ctx, sessionID, models.SenderUser, question, models.SourceFAQ)

	session, err := e.sessions.GetStatus(ctx, sessionID)
	if err != nil {
		e.logger.Warnf("read session status %s: %v", sessionID, err)
		return false
	}
	return session.Status.IsAgentMode()
}

func (e *AnswerEngine) requestAgent(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := e.assignment.RequestAgent(ctx, sessionID); err != nil {
		e.logger.Warnf("request agent for %s: %v", sessionID, err)
		return
	}
	e.messages.LogBestEffort(ctx, sessionID, models.SenderSystem, AgentRedirectMessage, models.SourceSystem)
}

// complete 依次尝试候选模型，仅 404 时切换到下一个
func (e *AnswerEngine) complete(ctx context.Context, req CompletionRequest) (string, string, error) {
	if !e.breaker.Allow() {
		return "", "", &UpstreamError{Kind: UpstreamTransport, Detail: "circuit open"}
	}

	var lastNotFound *UpstreamError
	for _, model := range e.gemini.CandidateModels() {
		text, err := e.completion.Generate(ctx, model, req)
		if err == nil {
			e.breaker.OnSuccess()
			return text, model, nil
		}
		var upErr *UpstreamError
		if errors.As(err, &upErr) && upErr.Kind == UpstreamHTTP && upErr.Status == http.StatusNotFound {
			lastNotFound = upErr
			e.logger.Debugf("model %s not available, trying next", model)
			continue
		}
		e.breaker.OnFailure()
		if upErr == nil {
			upErr = &UpstreamError{Kind: UpstreamTransport, Model: model, Detail: err.Error()}
		}
		e.logger.Warnf("gemini call failed: %v", upErr)
		return "", "", upErr
	}

	// 全部 404 同样计为失败，半开状态必须在此结算
	e.breaker.OnFailure()
	noModel := &UpstreamError{Kind: UpstreamNoModel}
	if lastNotFound != nil {
		noModel.Status = lastNotFound.Status
		noModel.Model = lastNotFound.Model
		noModel.Detail = lastNotFound.Detail
	}
	return "", "", noModel
}

func (e *AnswerEngine) maxOutputTokens() int32 {
	if e.gemini.MaxOutputTokens > 0 {
		return int32(e.gemini.MaxOutputTokens)
	}
	return 500
}

// HasCompletion 是否配置了生成服务
func (e *AnswerEngine) HasCompletion() bool { return e.completion != nil }

// EndSession 访客主动结束会话，下一条消息会重新激活
func (e *AnswerEngine) EndSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return e.sessions.Close(ctx, sessionID)
}

// Knowledge 当前知识库
func (e *AnswerEngine) Knowledge() *KnowledgeBase { return e.kb }

// BreakerStats 熔断器状态
func (e *AnswerEngine) BreakerStats() map[string]interface{} { return e.breaker.Stats() }

func buildCompletionRequest(mode, question, faqContext string, history []ChatTurn, maxTokens int32) CompletionRequest {
	req := CompletionRequest{
		History:         boundHistory(history),
		UserText:        question,
		MaxOutputTokens: maxTokens,
	}
	if mode == ModeFAQ {
		req.SystemInstruction = faqSystemInstruction
		req.Temperature = 0.2
		req.UserText = "FAQ CONTEXT:\n" + faqContext + "\n\nUSER QUESTION:\n" + question
	} else {
		req.SystemInstruction = generalSystemInstruction
		req.Temperature = 0.4
	}
	return req
}

// boundHistory 最近 10 轮，只保留 user / assistant，单条截断
func boundHistory(history []ChatTurn) []ChatTurn {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	out := make([]ChatTurn, 0, len(history))
	for _, turn := range history {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		content := strings.TrimSpace(turn.Content)
		if (role != "user" && role != "assistant") || content == "" {
			continue
		}
		out = append(out, ChatTurn{Role: role, Content: truncateRunes(content, maxTurnRunes)})
	}
	return out
}
