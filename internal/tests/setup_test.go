package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestEngine 创建测试引擎,内存sqlite+本地锁+固定逻辑时钟起点
func setupTestEngine(t *testing.T) engine.Engine {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&engine.ProcessInstancePo{}, &engine.ElementEventPo{})
	require.NoError(t, err)

	repo := engine.NewHistoryRepo(db)
	lock := engine.NewLocalEngineLock()
	return engine.NewEngine(repo, lock, &engine.Options{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func deployJSON(t *testing.T, e engine.Engine, configJSON string) *engine.DefinitionMeta {
	config, err := engine.ParseDefinitionJSON([]byte(configJSON))
	require.NoError(t, err)
	meta, err := e.Deploy(context.Background(), config)
	require.NoError(t, err)
	return meta
}

// activateJobs 激活指定类型的全部job
func activateJobs(t *testing.T, e engine.Engine, jobType string) []*engine.ActivatedJob {
	jobs, err := e.ActivateJobs(context.Background(), &engine.ActivateJobsReq{
		JobType:  jobType,
		MaxCount: 100,
	})
	require.NoError(t, err)
	return jobs
}

// completeNextJob 激活恰好一个指定类型的job并带变量完成
func completeNextJob(t *testing.T, e engine.Engine, jobType string, variables map[string]any) {
	jobs := activateJobs(t, e, jobType)
	require.Len(t, jobs, 1, "expect exactly one %s job", jobType)
	err := e.CompleteJob(context.Background(), jobs[0].JobID, variables)
	require.NoError(t, err)
}

// 代码评审流程,消息启动,评审和自动化测试并行,评审驳回可循环
//
//	begin(msg prCreated) -> fork -+-> requestReview -> reviewReceived -> decision -+-> join -> mergeCode -> deploySnapshot -> end
//	                              |        ^                               |(驳回) |
//	                              |        +---------- makeChanges <-------+       |
//	                              +-> automatedTests(callActivity) ----------------+
//
// reviewReceived上挂24h非中断定时边界,触发后走remindReviewer催办分支
const pullRequestProcessJSON = `{
	"id": "pr_process",
	"name": "代码评审流程",
	"nodes": [
		{"id": "begin", "type": "start", "message": {"name": "prCreated"}},
		{"id": "fork", "type": "parallelGateway"},
		{"id": "requestReview", "type": "serviceTask", "job_type": "request-review"},
		{"id": "reviewReceived", "type": "messageCatch", "message": {"name": "reviewReceived", "correlation_key": "prId"}},
		{
			"id": "reviewReminder",
			"type": "boundary",
			"attached_to": "reviewReceived",
			"interrupting": false,
			"timer": {"duration": "24h"}
		},
		{"id": "remindReviewer", "type": "serviceTask", "job_type": "remind-reviewer"},
		{"id": "reminderDone", "type": "end"},
		{"id": "decision", "type": "exclusiveGateway"},
		{"id": "makeChanges", "type": "serviceTask", "job_type": "make-changes"},
		{"id": "automatedTests", "type": "callActivity", "called_process_id": "automated_tests_process"},
		{"id": "join", "type": "parallelGateway"},
		{"id": "mergeCode", "type": "serviceTask", "job_type": "merge-code"},
		{"id": "deploySnapshot", "type": "serviceTask", "job_type": "deploy-snapshot"},
		{"id": "done", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "fork"},
		{"from": "fork", "to": "requestReview"},
		{"from": "fork", "to": "automatedTests"},
		{"from": "requestReview", "to": "reviewReceived"},
		{"from": "reviewReceived", "to": "decision"},
		{"from": "decision", "to": "join", "condition": "reviewResult == \"approved\""},
		{"from": "decision", "to": "makeChanges", "default": true},
		{"from": "makeChanges", "to": "requestReview"},
		{"from": "automatedTests", "to": "join"},
		{"from": "join", "to": "mergeCode"},
		{"from": "mergeCode", "to": "deploySnapshot"},
		{"from": "deploySnapshot", "to": "done"},
		{"from": "reviewReminder", "to": "remindReviewer"},
		{"from": "remindReviewer", "to": "reminderDone"}
	]
}`

// 自动化测试流程,被pr_process的callActivity调用
// 多实例子流程固定3个并行子项,每个子项跑一次runTests
const automatedTestsProcessJSON = `{
	"id": "automated_tests_process",
	"name": "自动化测试流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{
			"id": "parallelTests",
			"type": "subProcess",
			"multi_instance": {"loop_cardinality": 3},
			"body": {
				"nodes": [
					{"id": "testBegin", "type": "start"},
					{"id": "runTests", "type": "serviceTask", "job_type": "run-tests"},
					{"id": "testDone", "type": "end"}
				],
				"flows": [
					{"from": "testBegin", "to": "runTests"},
					{"from": "runTests", "to": "testDone"}
				]
			}
		},
		{"id": "done", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "parallelTests"},
		{"from": "parallelTests", "to": "done"}
	]
}`

// 注册激活流程
//
//	begin -> createAccount -> awaitEmailActivation -> subscribeNewsletter -> accountCreated
//
// createAccount上挂错误边界(error-invalid-account) -> sendRejection -> rejectedEnd
// awaitEmailActivation上挂72h中断定时边界 -> deleteAccount -> expiredEnd
const signupProcessJSON = `{
	"id": "signup_process",
	"name": "注册激活流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{"id": "createAccount", "type": "serviceTask", "job_type": "create-account"},
		{
			"id": "invalidAccount",
			"type": "boundary",
			"attached_to": "createAccount",
			"error": {"code": "error-invalid-account"}
		},
		{"id": "sendRejection", "type": "serviceTask", "job_type": "send-rejection"},
		{"id": "rejectedEnd", "type": "end"},
		{"id": "awaitEmailActivation", "type": "messageCatch", "message": {"name": "emailActivated", "correlation_key": "account.id"}},
		{
			"id": "activationExpired",
			"type": "boundary",
			"attached_to": "awaitEmailActivation",
			"interrupting": true,
			"timer": {"duration": "72h"}
		},
		{"id": "deleteAccount", "type": "serviceTask", "job_type": "delete-account"},
		{"id": "expiredEnd", "type": "end"},
		{"id": "subscribeNewsletter", "type": "serviceTask", "job_type": "subscribe-newsletter"},
		{"id": "accountCreated", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "createAccount"},
		{"from": "createAccount", "to": "awaitEmailActivation"},
		{"from": "awaitEmailActivation", "to": "subscribeNewsletter"},
		{"from": "subscribeNewsletter", "to": "accountCreated"},
		{"from": "invalidAccount", "to": "sendRejection"},
		{"from": "sendRejection", "to": "rejectedEnd"},
		{"from": "activationExpired", "to": "deleteAccount"},
		{"from": "deleteAccount", "to": "expiredEnd"}
	]
}`
