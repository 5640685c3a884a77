package commonregister

import (
	"context"
	"fmt"
	"time"

	"github.com/blingmoon/simple-bpm/engine"
	"github.com/pkg/errors"
)

// RegisterApprovalProcess 部署示例审批流程并创建配套worker
// 流程结构: 提交 -> 审核 -> 网关(通过/驳回) -> 批准/拒绝
func RegisterApprovalProcess(e engine.Engine) ([]*engine.JobWorker, error) {
	// 1. 定义流程配置
	configJSON := `{
		"id": "approval_process",
		"name": "审批流程",
		"nodes": [
			{
				"id": "begin",
				"type": "start"
			},
			{
				"id": "submit",
				"name": "提交申请",
				"type": "serviceTask",
				"job_type": "approval-submit"
			},
			{
				"id": "review",
				"name": "审核",
				"type": "serviceTask",
				"job_type": "approval-review"
			},
			{
				"id": "gate",
				"name": "审核结果",
				"type": "exclusiveGateway"
			},
			{
				"id": "approve",
				"name": "批准归档",
				"type": "serviceTask",
				"job_type": "approval-approve"
			},
			{
				"id": "reject",
				"name": "驳回通知",
				"type": "serviceTask",
				"job_type": "approval-reject"
			},
			{"id": "approved_end", "type": "end"},
			{"id": "rejected_end", "type": "end"}
		],
		"flows": [
			{"from": "begin", "to": "submit"},
			{"from": "submit", "to": "review"},
			{"from": "review", "to": "gate"},
			{"from": "gate", "to": "approve", "condition": "reviewResult == \"approved\""},
			{"from": "gate", "to": "reject", "default": true},
			{"from": "approve", "to": "approved_end"},
			{"from": "reject", "to": "rejected_end"}
		]
	}`
	config, err := engine.ParseDefinitionJSON([]byte(configJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse approval config failed")
	}

	// 2. 部署
	if _, err := e.Deploy(context.Background(), config); err != nil {
		return nil, errors.Wrap(err, "deploy approval process failed")
	}

	// 3. 创建各节点的worker
	workers := make([]*engine.JobWorker, 0, 4)
	submitWorker, err := engine.NewJobWorker(e, &engine.JobWorkerConfig{
		JobType: "approval-submit",
		Handler: func(ctx context.Context, job *engine.ActivatedJob) (map[string]any, error) {
			fmt.Println("  [提交] 执行中...")
			return map[string]any{
				"submitTime": time.Now().Format(time.RFC3339),
				"status":     "submitted",
			}, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create submit worker failed")
	}
	workers = append(workers, submitWorker)

	reviewWorker, err := engine.NewJobWorker(e, &engine.JobWorkerConfig{
		JobType: "approval-review",
		Handler: func(ctx context.Context, job *engine.ActivatedJob) (map[string]any, error) {
			fmt.Println("  [审核] 执行中...")
			if _, ok := job.Variables["submitTime"]; !ok {
				return nil, errors.New("submitTime not found")
			}
			// 金额太大驳回,否则通过
			result := "approved"
			if amount, ok := job.Variables["amount"].(float64); ok && amount > 10000 {
				result = "rejected"
			}
			return map[string]any{
				"reviewResult": result,
				"reviewer":     "manager",
			}, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create review worker failed")
	}
	workers = append(workers, reviewWorker)

	approveWorker, err := engine.NewJobWorker(e, &engine.JobWorkerConfig{
		JobType: "approval-approve",
		Handler: func(ctx context.Context, job *engine.ActivatedJob) (map[string]any, error) {
			fmt.Println("  [批准] 执行中...")
			return map[string]any{"finalStatus": "approved"}, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create approve worker failed")
	}
	workers = append(workers, approveWorker)

	rejectWorker, err := engine.NewJobWorker(e, &engine.JobWorkerConfig{
		JobType: "approval-reject",
		Handler: func(ctx context.Context, job *engine.ActivatedJob) (map[string]any, error) {
			fmt.Println("  [驳回] 执行中...")
			return map[string]any{"finalStatus": "rejected"}, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create reject worker failed")
	}
	workers = append(workers, rejectWorker)

	return workers, nil
}

// DriveToCompletion 反复轮询所有worker直到没有job可处理
// 示例里的流程全部是serviceTask,引擎不起goroutine,靠这里单步驱动
func DriveToCompletion(ctx context.Context, workers []*engine.JobWorker) error {
	for {
		total := 0
		for _, w := range workers {
			n, err := w.PollOnce(ctx)
			if err != nil {
				return errors.Wrap(err, "poll failed")
			}
			total += n
		}
		if total == 0 {
			return nil
		}
	}
}
