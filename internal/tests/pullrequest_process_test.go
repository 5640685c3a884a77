package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/stretchr/testify/require"
)

// startPullRequest 部署评审流程并用prCreated消息启动一个实例
func startPullRequest(t *testing.T, e engine.Engine, prID string) int64 {
	deployJSON(t, e, automatedTestsProcessJSON)
	deployJSON(t, e, pullRequestProcessJSON)

	result, err := e.CorrelateMessage(context.Background(), &engine.CorrelateMessageReq{
		Name:      "prCreated",
		Variables: map[string]any{"prId": prID},
	})
	require.NoError(t, err)
	require.True(t, result.Matched, "prCreated should start a new instance")
	return result.InstanceKey
}

func TestPullRequestProcess_HappyPath(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startPullRequest(t, e, "pr-42")

	// 评审请求和自动化测试并行推进
	completeNextJob(t, e, "request-review", nil)

	runTests := activateJobs(t, e, "run-tests")
	require.Len(t, runTests, 3, "multi instance should fan out 3 test jobs")
	for _, job := range runTests {
		require.NoError(t, e.CompleteJob(ctx, job.JobID, nil))
	}

	// 评审通过,实例走完合并和部署
	result, err := e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "reviewReceived",
		CorrelationKey: "pr-42",
		Variables:      map[string]any{"reviewResult": "approved"},
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, key, result.InstanceKey)

	completeNextJob(t, e, "merge-code", nil)
	completeNextJob(t, e, "deploy-snapshot", nil)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElementsInOrder("requestReview", "mergeCode", "deploySnapshot"))
	require.NoError(t, query.HasNotActivatedElements("remindReviewer", "makeChanges"))
	require.NoError(t, query.HasVariable("reviewResult", "approved"))

	// callActivity调起的子实例独立可查
	child, err := e.QueryProcess(ctx, "automated_tests_process")
	require.NoError(t, err)
	require.NoError(t, child.IsCompleted())
	require.NoError(t, child.HasCompletedElement("runTests", 3))
}

func TestPullRequestProcess_RejectLoop(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startPullRequest(t, e, "pr-7")

	completeNextJob(t, e, "request-review", nil)
	for _, job := range activateJobs(t, e, "run-tests") {
		require.NoError(t, e.CompleteJob(ctx, job.JobID, nil))
	}

	// 第一轮评审驳回,走修改分支后重新请求评审
	result, err := e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "reviewReceived",
		CorrelationKey: "pr-7",
		Variables:      map[string]any{"reviewResult": "rejected"},
	})
	require.NoError(t, err)
	require.True(t, result.Matched)

	completeNextJob(t, e, "make-changes", nil)
	completeNextJob(t, e, "request-review", nil)

	// 第二轮评审通过
	result, err = e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "reviewReceived",
		CorrelationKey: "pr-7",
		Variables:      map[string]any{"reviewResult": "approved"},
	})
	require.NoError(t, err)
	require.True(t, result.Matched)

	completeNextJob(t, e, "merge-code", nil)
	completeNextJob(t, e, "deploy-snapshot", nil)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElementsInOrder(
		"requestReview", "makeChanges", "requestReview", "mergeCode", "deploySnapshot"))
	require.NoError(t, query.HasVariable("reviewResult", "approved"))
}

func TestPullRequestProcess_ReviewReminder(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	key := startPullRequest(t, e, "pr-9")

	completeNextJob(t, e, "request-review", nil)

	// 时钟没动,催办不该出现
	require.Empty(t, activateJobs(t, e, "remind-reviewer"))

	// 24小时后非中断边界触发,催办job出现,评审等待不受影响
	require.NoError(t, e.AdvanceClock(ctx, 24*time.Hour))
	completeNextJob(t, e, "remind-reviewer", nil)

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsActive())
	require.NoError(t, query.HasActiveElements("reviewReceived"))
	require.NoError(t, query.HasCompletedElement("remindReviewer", 1))

	// 评审依然可以正常到达并走完流程
	for _, job := range activateJobs(t, e, "run-tests") {
		require.NoError(t, e.CompleteJob(ctx, job.JobID, nil))
	}
	result, err := e.CorrelateMessage(ctx, &engine.CorrelateMessageReq{
		Name:           "reviewReceived",
		CorrelationKey: "pr-9",
		Variables:      map[string]any{"reviewResult": "approved"},
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	completeNextJob(t, e, "merge-code", nil)
	completeNextJob(t, e, "deploy-snapshot", nil)

	query, err = e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
}
