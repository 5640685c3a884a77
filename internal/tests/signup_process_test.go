package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/stretchr/testify/require"
)

func startSignup(t *testing.T, e engine.Engine) int64 {
	deployJSON(t, e, signupProcessJSON)
	key, err := e.CreateInstance(context.Background(), &engine.CreateInstanceReq{
		ProcessID: "signup_process",
		Variables: map[string]any{"email": "user@example.com"},
	})
	require.NoError(t, err)
	return key
}

func TestSignupProcess_HappyPath(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startSignup(t, e)

	// 账号创建完成,实例等在邮件激活上,相关键是account.id
	completeNextJob(t, e, "create-account", map[string]any{
		"account": map[string]any{"id": "acc-1", "email": "user@example.com"},
	})

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.HasActiveElements("awaitEmailActivation"))

	result, err := e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "emailActivated",
		CorrelationKey: "acc-1",
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, key, result.InstanceKey)

	completeNextJob(t, e, "subscribe-newsletter", nil)

	query, err = e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElementsInOrder(
		"createAccount", "awaitEmailActivation", "subscribeNewsletter"))
	require.NoError(t, query.HasNotActivatedElements("sendRejection", "deleteAccount"))
	require.NoError(t, query.HasVariable("account", map[string]any{"id": "acc-1", "email": "user@example.com"}))
}

func TestSignupProcess_ActivationTimeout(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startSignup(t, e)

	completeNextJob(t, e, "create-account", map[string]any{
		"account": map[string]any{"id": "acc-2"},
	})

	// 3天内没激活,中断边界触发,等待被取消,走删号分支
	require.NoError(t, e.AdvanceClock(ctx, 72*time.Hour))
	completeNextJob(t, e, "delete-account", nil)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElement("deleteAccount", 1))
	require.NoError(t, query.HasNotActivatedElements("subscribeNewsletter"))

	// 等待已被中断,迟到的激活消息没有去处
	result, err := e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "emailActivated",
		CorrelationKey: "acc-2",
	})
	require.NoError(t, err)
	require.False(t, result.Matched)
}

func TestSignupProcess_InvalidAccountError(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startSignup(t, e)

	jobs := activateJobs(t, e, "create-account")
	require.Len(t, jobs, 1)

	// 业务错误命中错误边界,宿主任务被中断,走拒绝分支
	err := e.ThrowError(ctx, &engine.ThrowErrorReq{
		JobID:     jobs[0].JobID,
		ErrorCode: "error-invalid-account",
		Variables: map[string]any{"reason": "email already taken"},
	})
	require.NoError(t, err)

	completeNextJob(t, e, "send-rejection", nil)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElement("sendRejection", 1))
	require.NoError(t, query.HasNotActivatedElements("awaitEmailActivation", "subscribeNewsletter"))
	require.NoError(t, query.HasVariable("reason", "email already taken"))
}

func TestSignupProcess_UncaughtErrorBecomesIncident(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startSignup(t, e)

	jobs := activateJobs(t, e, "create-account")
	require.Len(t, jobs, 1)

	// 错误码没有任何边界能接住,记incident,分支挂起
	err := e.ThrowError(ctx, &engine.ThrowErrorReq{
		JobID:     jobs[0].JobID,
		ErrorCode: "error-storage-down",
	})
	require.NoError(t, err)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsActive())
	require.NoError(t, query.HasIncidentOnElement("createAccount"))
	require.NoError(t, query.HasNotActivatedElements("sendRejection", "awaitEmailActivation"))
}
