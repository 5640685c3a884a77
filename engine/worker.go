package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// JobHandler 业务处理函数
// 返回的map合并回流程变量;返回error则job按剩余次数重试,耗尽记incident
type JobHandler func(ctx context.Context, job *ActivatedJob) (map[string]any, error)

// JobWorker 轮询某一类job并执行handler的worker
// 引擎本身不起goroutine,worker是可选的外围组件,测试里一般直接用PollOnce
type JobWorker struct {
	engine   Engine
	jobType  string
	handler  JobHandler
	maxCount int64
	interval time.Duration
}

type JobWorkerConfig struct {
	JobType string     `json:"job_type" validate:"required"`
	Handler JobHandler `json:"-" validate:"required"`
	// MaxCount 单次激活上限,默认10
	MaxCount int64 `json:"max_count"`
	// Interval 轮询间隔,默认100ms
	Interval time.Duration `json:"interval"`
}

func NewJobWorker(engine Engine, config *JobWorkerConfig) (*JobWorker, error) {
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "NewJobWorker failed, err: %v", err)
	}
	maxCount := config.MaxCount
	if maxCount <= 0 {
		maxCount = 10
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &JobWorker{
		engine:   engine,
		jobType:  config.JobType,
		handler:  config.Handler,
		maxCount: maxCount,
		interval: interval,
	}, nil
}

// PollOnce 激活一批job并逐个处理,返回处理的job数
// 确定性场景(测试/单步驱动)直接调它,不用Run
func (w *JobWorker) PollOnce(ctx context.Context) (int, error) {
	jobs, err := w.engine.ActivateJobs(ctx, &ActivateJobsReq{JobType: w.jobType, MaxCount: w.maxCount})
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		variables, err := w.handler(ctx, job)
		if err != nil {
			slog.Warn("job handler failed", "jobID", job.JobID, "jobType", w.jobType, "err", err)
			retries := job.Retries - 1
			if failErr := w.engine.FailJob(ctx, job.JobID, retries); failErr != nil {
				return 0, failErr
			}
			continue
		}
		if err := w.engine.CompleteJob(ctx, job.JobID, variables); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// Run 持续轮询直到ctx取消
func (w *JobWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.PollOnce(ctx); err != nil {
				if IsSeriousError(err) {
					return err
				}
				slog.Warn("poll jobs failed", "jobType", w.jobType, "err", err)
			}
		}
	}
}
