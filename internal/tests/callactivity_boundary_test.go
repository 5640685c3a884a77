package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// 发布流程,打包环节调用子流程,1h打不完走超时升级分支
const releaseProcessJSON = `{
	"id": "release_process",
	"name": "发布流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{"id": "buildArtifact", "type": "callActivity", "called_process_id": "packaging_process"},
		{
			"id": "buildTimeout",
			"type": "boundary",
			"attached_to": "buildArtifact",
			"interrupting": true,
			"timer": {"duration": "1h"}
		},
		{"id": "escalate", "type": "serviceTask", "job_type": "notify-release"},
		{"id": "timeoutEnd", "type": "end"},
		{"id": "releaseDone", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "buildArtifact"},
		{"from": "buildArtifact", "to": "releaseDone"},
		{"from": "buildTimeout", "to": "escalate"},
		{"from": "escalate", "to": "timeoutEnd"}
	]
}`

const packagingProcessJSON = `{
	"id": "packaging_process",
	"name": "打包流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{"id": "pack", "type": "serviceTask", "job_type": "pack"},
		{"id": "done", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "pack"},
		{"from": "pack", "to": "done"}
	]
}`

func TestCallActivityInterruptingBoundary(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	deployJSON(t, e, packagingProcessJSON)
	deployJSON(t, e, releaseProcessJSON)

	t.Run("按时打完走正常分支", func(t *testing.T) {
		key, err := e.CreateInstance(ctx, &engine.CreateInstanceReq{ProcessID: "release_process"})
		require.NoError(t, err)
		completeNextJob(t, e, "pack", nil)

		query, err := e.QueryInstance(ctx, key)
		require.NoError(t, err)
		require.NoError(t, query.IsCompleted())
		require.NoError(t, query.HasCompletedElement("buildArtifact", 1))
	})

	t.Run("超时中断连带终止子实例", func(t *testing.T) {
		key, err := e.CreateInstance(ctx, &engine.CreateInstanceReq{ProcessID: "release_process"})
		require.NoError(t, err)
		packJobs := activateJobs(t, e, "pack")
		require.Len(t, packJobs, 1)

		require.NoError(t, e.AdvanceClock(ctx, time.Hour))

		// 子实例被终止,遗留的job一并清理
		child, err := e.QueryProcess(ctx, "packaging_process")
		require.NoError(t, err)
		require.NoError(t, child.IsTerminated())
		err = e.CompleteJob(ctx, packJobs[0].JobID, nil)
		require.True(t, errors.Is(errors.Cause(err), engine.ErrJobNotFound))

		completeNextJob(t, e, "notify-release", nil)
		query, err := e.QueryInstance(ctx, key)
		require.NoError(t, err)
		require.NoError(t, query.IsCompleted())
		require.NoError(t, query.HasCompletedElement("buildTimeout", 1))
		require.NoError(t, query.HasNotActivatedElements("releaseDone"))
	})
}

// 审计流程,子流程里再调用记录抽取流程,整个评审环节2h超时
const auditProcessJSON = `{
	"id": "audit_process",
	"name": "审计流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{
			"id": "reviewStage",
			"type": "subProcess",
			"body": {
				"nodes": [
					{"id": "stageBegin", "type": "start"},
					{"id": "fetchRecords", "type": "callActivity", "called_process_id": "records_process"},
					{"id": "stageEnd", "type": "end"}
				],
				"flows": [
					{"from": "stageBegin", "to": "fetchRecords"},
					{"from": "fetchRecords", "to": "stageEnd"}
				]
			}
		},
		{
			"id": "stageTimeout",
			"type": "boundary",
			"attached_to": "reviewStage",
			"interrupting": true,
			"timer": {"duration": "2h"}
		},
		{"id": "timeoutEnd", "type": "end"},
		{"id": "auditDone", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "reviewStage"},
		{"from": "reviewStage", "to": "auditDone"},
		{"from": "stageTimeout", "to": "timeoutEnd"}
	]
}`

const recordsProcessJSON = `{
	"id": "records_process",
	"name": "记录抽取流程",
	"nodes": [
		{"id": "begin", "type": "start"},
		{"id": "extract", "type": "serviceTask", "job_type": "extract-records"},
		{"id": "done", "type": "end"}
	],
	"flows": [
		{"from": "begin", "to": "extract"},
		{"from": "extract", "to": "done"}
	]
}`

// 中断子流程时,作用域内停在callActivity上的token名下的子实例也要一并终止
func TestSubProcessInterruptTerminatesCalledInstance(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()
	deployJSON(t, e, recordsProcessJSON)
	deployJSON(t, e, auditProcessJSON)

	key, err := e.CreateInstance(ctx, &engine.CreateInstanceReq{ProcessID: "audit_process"})
	require.NoError(t, err)
	extractJobs := activateJobs(t, e, "extract-records")
	require.Len(t, extractJobs, 1)

	require.NoError(t, e.AdvanceClock(ctx, 2*time.Hour))

	child, err := e.QueryProcess(ctx, "records_process")
	require.NoError(t, err)
	require.NoError(t, child.IsTerminated())
	err = e.CompleteJob(ctx, extractJobs[0].JobID, nil)
	require.True(t, errors.Is(errors.Cause(err), engine.ErrJobNotFound))

	query, err := e.QueryInstance(ctx, key)
	require.NoError(t, err)
	require.NoError(t, query.IsCompleted())
	require.NoError(t, query.HasCompletedElement("stageTimeout", 1))
	require.NoError(t, query.HasNotActivatedElements("stageEnd", "auditDone"))
}
