package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"digichat/internal/config"
	"digichat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnswerEngine(t *testing.T, env *testEnv, completion CompletionClient, gemini config.GeminiConfig) *AnswerEngine {
	t.Helper()
	entries, err := ParseFAQ([]byte(sampleFAQJSON), ".json")
	require.NoError(t, err)
	deps := AnswerEngineDeps{
		Sessions:   env.sessions,
		Assignment: env.assignment,
		Messages:   env.messages,
		Knowledge:  NewKnowledgeBase("mem", entries),
		Gemini:     gemini,
		Logger:     newTestLogger(),
	}
	if completion != nil {
		deps.Completion = completion
	}
	return NewAnswerEngine(deps)
}

func TestWantsAgent(t *testing.T) {
	for _, q := range []string{
		"can I talk to a human agent",
		"I need CUSTOMER SUPPORT now",
		"Please connect me",
		"is there a Real Person here?",
		"call me back",
	} {
		assert.True(t, WantsAgent(q), q)
	}
	for _, q := range []string{"what is the pricing?", "how do I reset my password"} {
		assert.False(t, WantsAgent(q), q)
	}
}

func TestAnswerEngine_AgentKeyword_NeverCallsCompletion(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{})
	ctx := context.Background()

	res, err := engine.Answer(ctx, AnswerRequest{Question: "I need to talk to a human", SessionID: testSessionA})
	require.NoError(t, err)
	assert.Equal(t, AnswerAgentRedirect, res.Kind)
	assert.True(t, res.AgentRequested())
	assert.Equal(t, AgentRedirectMessage, res.Text)
	assert.Equal(t, AgentRedirectModel, res.Model)
	assert.Zero(t, fake.callCount())

	assert.Equal(t, models.SessionAgentRequested, env.session(t, testSessionA).Status)

	msgs, err := env.messages.ListSince(ctx, testSessionA, 0, ViewerVisitor)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, models.SenderSystem, msgs[1].Sender)
	assert.Equal(t, AgentRedirectMessage, msgs[1].Message)
}

func TestAnswerEngine_AgentKeyword_WithoutSessionOrKey(t *testing.T) {
	env := newTestEnv(t)
	engine := newTestAnswerEngine(t, env, nil, config.GeminiConfig{})

	res, err := engine.Answer(context.Background(), AnswerRequest{Question: "customer care please"})
	require.NoError(t, err)
	assert.Equal(t, AnswerAgentRedirect, res.Kind)
}

func TestAnswerEngine_AgentMode_SuppressesAI(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{})
	ctx := context.Background()

	for _, status := range []models.SessionStatus{models.SessionAgentRequested, models.SessionAgentConnected} {
		env.seedSession(t, testSessionA, status)

		// 坐席模式优先于 mode 校验
		res, err := engine.Answer(ctx, AnswerRequest{Question: "what is the price?", Mode: "weird", SessionID: testSessionA})
		require.NoError(t, err)
		assert.Equal(t, AnswerAgentMode, res.Kind)
		assert.Equal(t, "", res.Text)
		assert.True(t, res.AgentRequested())
	}
	assert.Zero(t, fake.callCount())

	msgs, err := env.messages.ListSince(ctx, testSessionA, 0, ViewerAgentConsole)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "user messages are still logged")
}

func TestAnswerEngine_Validation(t *testing.T) {
	env := newTestEnv(t)
	engine := newTestAnswerEngine(t, env, newFakeCompletion(), config.GeminiConfig{})
	ctx := context.Background()

	_, err := engine.Answer(ctx, AnswerRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = engine.Answer(ctx, AnswerRequest{Question: "hello", Mode: "chitchat"})
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = engine.Answer(ctx, AnswerRequest{Question: "hello", SessionID: "bad id"})
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestAnswerEngine_ConfigErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	engine := newTestAnswerEngine(t, env, nil, config.GeminiConfig{})
	_, err := engine.Answer(ctx, AnswerRequest{Question: "pricing?"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "API key")

	engine = NewAnswerEngine(AnswerEngineDeps{
		Sessions:   env.sessions,
		Assignment: env.assignment,
		Messages:   env.messages,
		Completion: newFakeCompletion(),
		Logger:     newTestLogger(),
	})
	_, err = engine.Answer(ctx, AnswerRequest{Question: "pricing?", Mode: ModeFAQ})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "FAQ")

	// general 模式不需要知识库
	res, err := engine.Answer(ctx, AnswerRequest{Question: "pricing?", Mode: ModeGeneral})
	require.NoError(t, err)
	assert.Equal(t, AnswerSuccess, res.Kind)
}

func TestAnswerEngine_FAQMode_BuildsRequestAndLogs(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.fallback = fakeResponse{text: "We offer a free plan."}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Model: "gemini-test", MaxOutputTokens: 500})
	ctx := context.Background()

	history := []ChatTurn{{Role: "system", Content: "ignored"}, {Role: "assistant", Content: " earlier answer "}, {Role: "user", Content: ""}}
	res, err := engine.Answer(ctx, AnswerRequest{Question: "Is there a free plan?", History: history, SessionID: testSessionA})
	require.NoError(t, err)
	assert.Equal(t, "We offer a free plan.", res.Text)
	assert.Equal(t, "gemini-test", res.Model)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, float32(0.2), req.Temperature)
	assert.Equal(t, int32(500), req.MaxOutputTokens)
	assert.True(t, strings.HasPrefix(req.SystemInstruction, "You are DigiMarker Assistant. Answer ONLY using the provided FAQ context."))
	assert.True(t, strings.HasPrefix(req.UserText, "FAQ CONTEXT:\nQ: What is DigiMarker?"))
	assert.True(t, strings.HasSuffix(req.UserText, "\n\nUSER QUESTION:\nIs there a free plan?"))
	assert.Equal(t, []ChatTurn{{Role: "assistant", Content: "earlier answer"}}, req.History)

	var bot models.Message
	require.NoError(t, env.db.Where("session_id = ? AND sender = ?", testSessionA, models.SenderBot).First(&bot).Error)
	assert.Equal(t, models.SourceFAQ, bot.Source)
}

func TestAnswerEngine_GeneralMode_SourceAndTemperature(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Model: "gemini-test"})

	_, err := engine.Answer(context.Background(), AnswerRequest{Question: "Tell me a fact", Mode: ModeGeneral, SessionID: testSessionA})
	require.NoError(t, err)
	req := fake.requests[0]
	assert.Equal(t, float32(0.4), req.Temperature)
	assert.Equal(t, "Tell me a fact", req.UserText)
	assert.Equal(t, generalSystemInstruction, req.SystemInstruction)

	var bot models.Message
	require.NoError(t, env.db.Where("session_id = ? AND sender = ?", testSessionA, models.SenderBot).First(&bot).Error)
	assert.Equal(t, models.SourceGemini, bot.Source)
}

func TestAnswerEngine_ModelFallbackOn404(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.responses["m1"] = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusNotFound, Model: "m1"}}
	fake.responses["m2"] = fakeResponse{text: "from m2"}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Models: []string{"m1", "m2", "m3"}})

	res, err := engine.Answer(context.Background(), AnswerRequest{Question: "hi", Mode: ModeGeneral})
	require.NoError(t, err)
	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, []string{"m1", "m2"}, fake.calls)
}

func TestAnswerEngine_NonNotFoundErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.responses["m1"] = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusTooManyRequests, Model: "m1"}}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Models: []string{"m1", "m2"}})
	ctx := context.Background()

	_, err := engine.Answer(ctx, AnswerRequest{Question: "hi", Mode: ModeGeneral, SessionID: testSessionA})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, UpstreamHTTP, upErr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, upErr.Status)
	assert.Equal(t, []string{"m1"}, fake.calls)

	var sys models.Message
	require.NoError(t, env.db.Where("session_id = ? AND sender = ?", testSessionA, models.SenderSystem).First(&sys).Error)
	assert.Equal(t, "Gemini HTTP error: Status 429", sys.Message)
}

func TestAnswerEngine_EmptyAndTransportErrors(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.fallback = fakeResponse{err: &UpstreamError{Kind: UpstreamEmpty, Model: "m1"}}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Models: []string{"m1", "m2"}})

	_, err := engine.Answer(context.Background(), AnswerRequest{Question: "hi", Mode: ModeGeneral})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, UpstreamEmpty, upErr.Kind)
	assert.Len(t, fake.calls, 1)

	fake.fallback = fakeResponse{err: errors.New("dial tcp: timeout")}
	_, err = engine.Answer(context.Background(), AnswerRequest{Question: "hi", Mode: ModeGeneral})
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, UpstreamTransport, upErr.Kind)
}

func TestAnswerEngine_AllModelsMissing(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.fallback = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusNotFound}}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{})

	_, err := engine.Answer(context.Background(), AnswerRequest{Question: "hi", Mode: ModeGeneral})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, UpstreamNoModel, upErr.Kind)
	assert.Equal(t, "No supported Gemini model found for this API key.", upErr.Error())
	assert.Equal(t, config.DefaultGeminiModels, fake.calls)
}

func TestAnswerEngine_BreakerFailsFast(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	fake.fallback = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusInternalServerError}}
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Model: "m1"})
	engine.breaker = NewCircuitBreaker(config.CircuitBreakerConfig{Enabled: true, MaxFailures: 1, ResetTimeout: time.Hour})

	_, err := engine.Answer(context.Background(), AnswerRequest{Question: "hi", Mode: ModeGeneral})
	require.Error(t, err)
	_, err = engine.Answer(context.Background(), AnswerRequest{Question: "hi again", Mode: ModeGeneral})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "circuit open", upErr.Detail)
	assert.Len(t, fake.calls, 1)
}

func TestBoundHistory(t *testing.T) {
	var history []ChatTurn
	for i := 0; i < 15; i++ {
		history = append(history, ChatTurn{Role: "user", Content: strings.Repeat("x", 6000)})
	}
	out := boundHistory(history)
	assert.Len(t, out, maxHistoryTurns)
	for _, turn := range out {
		assert.Equal(t, maxTurnRunes, len([]rune(turn.Content)))
	}
}

func TestAnswerEngine_QuestionTruncated(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Model: "m1"})

	_, err := engine.Answer(context.Background(), AnswerRequest{Question: strings.Repeat("q", 3000), Mode: ModeGeneral})
	require.NoError(t, err)
	assert.Equal(t, maxQuestionRunes, len(fake.requests[0].UserText))
}

func TestAnswerEngine_BreakerRecoversAfterHalfOpenNoModel(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCompletion()
	engine := newTestAnswerEngine(t, env, fake, config.GeminiConfig{Model: "m1"})
	engine.breaker = NewCircuitBreaker(config.CircuitBreakerConfig{Enabled: true, MaxFailures: 1, ResetTimeout: time.Minute})
	now := time.Now()
	engine.breaker.now = func() time.Time { return now }
	ctx := context.Background()

	fake.fallback = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusInternalServerError, Model: "m1"}}
	_, err := engine.Answer(ctx, AnswerRequest{Question: "hi", Mode: ModeGeneral})
	require.Error(t, err)
	require.Equal(t, BreakerOpen, engine.breaker.State())

	// 半开探测时所有模型都返回 404
	now = now.Add(2 * time.Minute)
	fake.fallback = fakeResponse{err: &UpstreamError{Kind: UpstreamHTTP, Status: http.StatusNotFound, Model: "m1"}}
	_, err = engine.Answer(ctx, AnswerRequest{Question: "hi", Mode: ModeGeneral})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, UpstreamNoModel, upErr.Kind)
	assert.Equal(t, BreakerOpen, engine.breaker.State())

	// 上游恢复后必须能再次调用
	now = now.Add(2 * time.Minute)
	fake.fallback = fakeResponse{text: "back online"}
	res, err := engine.Answer(ctx, AnswerRequest{Question: "hi", Mode: ModeGeneral})
	require.NoError(t, err)
	assert.Equal(t, "back online", res.Text)
	assert.Equal(t, BreakerClosed, engine.breaker.State())
	assert.Equal(t, 3, fake.callCount())
}
