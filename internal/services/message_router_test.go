package services

import (
	"context"
	"strings"
	"testing"

	"digichat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRouter_Append_NormalizesSenderAndSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, testSessionA, models.SessionActive)

	id, err := env.messages.Append(ctx, testSessionA, models.Sender("robot"), "x", models.Source("ai"))
	require.NoError(t, err)
	require.NotZero(t, id)

	var msg models.Message
	require.NoError(t, env.db.First(&msg, id).Error)
	assert.Equal(t, models.SenderSystem, msg.Sender)
	assert.Equal(t, models.SourceGemini, msg.Source)

	id, err = env.messages.Append(ctx, testSessionA, models.SenderBot, "y", models.Source("nope"))
	require.NoError(t, err)
	require.NoError(t, env.db.First(&msg, id).Error)
	assert.Equal(t, models.SenderBot, msg.Sender)
	assert.Equal(t, models.SourceSystem, msg.Source)
}

func TestMessageRouter_Append_Truncates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, testSessionA, models.SessionActive)

	long := strings.Repeat("é", maxMessageRunes+10)
	id, err := env.messages.Append(ctx, testSessionA, models.SenderUser, long, models.SourceFAQ)
	require.NoError(t, err)

	var msg models.Message
	require.NoError(t, env.db.First(&msg, id).Error)
	assert.True(t, strings.HasSuffix(msg.Message, " [truncated]"))
	assert.Equal(t, strings.Repeat("é", maxMessageRunes)+" [truncated]", msg.Message)

	exact := strings.Repeat("a", maxMessageRunes)
	assert.Equal(t, exact, truncateMessage(exact))
}

func TestMessageRouter_SendAgentMessage_RequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.seedAgent(t, "Alice", models.AgentOnline)
	bob := env.seedAgent(t, "Bob", models.AgentOnline)
	env.seedSession(t, testSessionA, models.SessionAgentRequested)

	_, err := env.messages.SendAgentMessage(ctx, testSessionA, alice.ID, "too early")
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = env.assignment.AcceptChat(ctx, testSessionA, alice.ID)
	require.NoError(t, err)

	id, err := env.messages.SendAgentMessage(ctx, testSessionA, alice.ID, "hello")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = env.messages.SendAgentMessage(ctx, testSessionA, bob.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = env.messages.SendAgentMessage(ctx, testSessionA, alice.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.messages.SendAgentMessage(ctx, testSessionB, alice.ID, "unknown session")
	assert.ErrorIs(t, err, ErrNotAssigned)

	// 断开后不能继续发送
	_, err = env.assignment.Disconnect(ctx, testSessionA)
	require.NoError(t, err)
	_, err = env.messages.SendAgentMessage(ctx, testSessionA, alice.ID, "after disconnect")
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestMessageRouter_ListSince_HidesAgentMessagesOutsideAgentMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.seedAgent(t, "Alice", models.AgentOnline)
	env.seedSession(t, testSessionA, models.SessionAgentRequested)

	_, err := env.messages.Append(ctx, testSessionA, models.SenderUser, "need help", models.SourceFAQ)
	require.NoError(t, err)
	_, err = env.assignment.AcceptChat(ctx, testSessionA, alice.ID)
	require.NoError(t, err)
	_, err = env.messages.SendAgentMessage(ctx, testSessionA, alice.ID, "hello")
	require.NoError(t, err)

	visible, err := env.messages.ListSince(ctx, testSessionA, 0, ViewerVisitor)
	require.NoError(t, err)
	assert.Len(t, visible, 3)

	_, err = env.assignment.Disconnect(ctx, testSessionA)
	require.NoError(t, err)

	for _, status := range []models.SessionStatus{models.SessionActive, models.SessionClosed} {
		require.NoError(t, env.db.Model(&models.Session{}).Where("session_id = ?", testSessionA).Update("status", status).Error)

		visible, err = env.messages.ListSince(ctx, testSessionA, 0, ViewerVisitor)
		require.NoError(t, err)
		for _, m := range visible {
			assert.NotEqual(t, models.SenderAgent, m.Sender, "status %s leaked agent message", status)
		}
		assert.Len(t, visible, 3)

		all, err := env.messages.ListSince(ctx, testSessionA, 0, ViewerAgentConsole)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	}
}

func TestMessageRouter_ListSince_Cursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, testSessionA, models.SessionActive)

	var ids []uint
	for _, text := range []string{"one", "two", "three"} {
		id, err := env.messages.Append(ctx, testSessionA, models.SenderUser, text, models.SourceFAQ)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := env.messages.ListSince(ctx, testSessionA, ids[0], ViewerVisitor)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message)
	assert.Equal(t, "three", msgs[1].Message)

	msgs, err = env.messages.ListSince(ctx, testSessionA, ids[2], ViewerVisitor)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = env.messages.ListSince(ctx, testSessionB, 0, ViewerVisitor)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestMessageRouter_LogBestEffort_SwallowsErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res := env.messages.LogBestEffort(ctx, testSessionA, models.SenderUser, "hello", models.SourceFAQ)
	assert.False(t, res.OK())
	assert.Zero(t, res.ID)
}

func TestMessageRouter_Transcript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.messages.Transcript(ctx, testSessionA)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	env.seedSession(t, testSessionA, models.SessionActive)
	_, err = env.messages.Append(ctx, testSessionA, models.SenderUser, "hi", models.SourceFAQ)
	require.NoError(t, err)

	tr, err := env.messages.Transcript(ctx, testSessionA)
	require.NoError(t, err)
	assert.Equal(t, testSessionA, tr.Session.SessionID)
	assert.Len(t, tr.Messages, 1)
}
