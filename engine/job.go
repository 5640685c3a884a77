package engine

import (
	"time"
)

// Job 外部待办工作,token进入userTask/serviceTask时创建
// 完成或重试耗尽时销毁(耗尽会升级成incident)
type Job struct {
	ID          string
	Type        string
	ElementID   string
	InstanceKey int64
	ProcessID   string
	Retries     int64
	State       JobState
	// LockedUntil 激活租约到期时间,基于逻辑时钟
	// 到期未完成则回到created状态等待重新投递,整体at-least-once
	LockedUntil time.Time
	CreatedAt   time.Time

	token *Token
	seq   int64
	// variables 创建时刻的作用域变量快照,激活时原样交给worker
	// 激活路径不持实例锁,不能回头读还在被推进修改的作用域
	variables map[string]any
}

// ActivatedJob 返回给worker的job快照
type ActivatedJob struct {
	JobID       string         `json:"job_id"`
	Type        string         `json:"type"`
	ElementID   string         `json:"element_id"`
	InstanceKey int64          `json:"instance_key"`
	ProcessID   string         `json:"process_id"`
	Retries     int64          `json:"retries"`
	Variables   map[string]any `json:"variables"`
}

// jobQueue 按类型索引的job激活队列,只有增删查,不做任何跨实例协调
type jobQueue struct {
	byID  map[string]*Job
	order []*Job // 创建顺序
}

func newJobQueue() *jobQueue {
	return &jobQueue{byID: make(map[string]*Job)}
}

func (q *jobQueue) add(job *Job) {
	q.byID[job.ID] = job
	q.order = append(q.order, job)
}

func (q *jobQueue) get(jobID string) (*Job, bool) {
	job, ok := q.byID[jobID]
	return job, ok
}

func (q *jobQueue) remove(jobID string) {
	job, ok := q.byID[jobID]
	if !ok {
		return
	}
	delete(q.byID, jobID)
	for i, j := range q.order {
		if j == job {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// reclaimExpired 回收租约到期的job,回到created状态,每次到期只会回收一次
func (q *jobQueue) reclaimExpired(now time.Time) []*Job {
	reclaimed := make([]*Job, 0)
	for _, job := range q.order {
		if job.State == JobStateActivated && !job.LockedUntil.After(now) {
			job.State = JobStateCreated
			job.LockedUntil = time.Time{}
			reclaimed = append(reclaimed, job)
		}
	}
	return reclaimed
}

// activate 按创建顺序激活指定类型的created job,设置租约
// 同一个job在租约内不会发给第二个调用者
func (q *jobQueue) activate(jobType string, maxCount int64, now time.Time, lease time.Duration) []*Job {
	activated := make([]*Job, 0)
	for _, job := range q.order {
		if int64(len(activated)) >= maxCount {
			break
		}
		if job.Type != jobType || job.State != JobStateCreated {
			continue
		}
		job.State = JobStateActivated
		job.LockedUntil = now.Add(lease)
		activated = append(activated, job)
	}
	return activated
}
