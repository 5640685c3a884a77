package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var validatorUtil = validator.New()

// Engine 流程执行引擎,整个对外API面
// 引擎是实例状态的唯一修改者,队列/相关表/定时器/注册表都是被动存储
type Engine interface {
	/**
	 * @description: 部署流程定义,对相同内容幂等
	 *               相同id重复部署: 内容没变返回已有版本,内容变了版本号+1
	 * @param ctx context.Context
	 * @param config *DefinitionConfig 已解析的有向图配置
	 * @return *DefinitionMeta, error
	 */
	Deploy(ctx context.Context, config *DefinitionConfig) (*DefinitionMeta, error)
	/**
	 * @description: 创建流程实例,同步推进到所有token阻塞(等job/消息/定时)或实例完成
	 * @param ctx context.Context
	 * @param req *CreateInstanceReq req.Version<=0表示最新版本
	 * @return int64 实例key
	 */
	CreateInstance(ctx context.Context, req *CreateInstanceReq) (int64, error)
	/**
	 * @description: 发布消息做相关匹配
	 *               有订阅: 合并变量,token越过捕获节点继续推进
	 *               没有订阅但消息绑定了启动事件: 创建新实例(消息启动)
	 *               都没有: 不是错误,返回Matched=false,fire-and-forget,不留任何痕迹
	 * @param ctx context.Context
	 * @param req *CorrelateMessageReq
	 * @return *CorrelationResult
	 */
	CorrelateMessage(ctx context.Context, req *CorrelateMessageReq) (*CorrelationResult, error)
	/**
	 * @description: 激活一批待认领的job,设置租约
	 *               租约内同一个job不会发给第二个调用者;租约到期未完成回到created可重投
	 * @param ctx context.Context
	 * @param req *ActivateJobsReq
	 * @return []*ActivatedJob
	 */
	ActivateJobs(ctx context.Context, req *ActivateJobsReq) ([]*ActivatedJob, error)
	/**
	 * @description: 完成job,合并变量,token继续推进直到下一个阻塞点
	 * @param ctx context.Context
	 * @param jobID string
	 * @param variables map[string]any 可以为空
	 */
	CompleteJob(ctx context.Context, jobID string, variables map[string]any) error
	/**
	 * @description: 失败job,设置剩余重试次数
	 *               retries>0: job回到created可重投
	 *               retries==0: 移除job,在token上记incident,该分支挂起,实例其余部分继续
	 * @param ctx context.Context
	 * @param jobID string
	 * @param retries int64
	 */
	FailJob(ctx context.Context, jobID string, retries int64) error
	/**
	 * @description: 从job抛出业务错误
	 *               宿主节点挂了匹配错误码的error边界事件: 取消job/token,从边界出口继续
	 *               没有匹配的边界: 记incident
	 * @param ctx context.Context
	 * @param req *ThrowErrorReq
	 */
	ThrowError(ctx context.Context, req *ThrowErrorReq) error
	/**
	 * @description: 推进逻辑时钟,到期的定时器按(到期时间,创建顺序)依次触发
	 *               必须推进到不动点: 触发一个定时器可能产生新的更早到期的定时器,
	 *               返回前全部触发完,调用方可以立刻断言结果
	 * @param ctx context.Context
	 * @param d time.Duration
	 */
	AdvanceClock(ctx context.Context, d time.Duration) error
	// Now 当前逻辑时钟,只会通过AdvanceClock前进,从不读墙上时钟
	Now() time.Time
	/**
	 * @description: 按实例key查询,用于断言
	 */
	QueryInstance(ctx context.Context, instanceKey int64) (*InstanceQuery, error)
	/**
	 * @description: 按流程id查询最新实例,用于断言
	 */
	QueryProcess(ctx context.Context, processID string) (*InstanceQuery, error)
}

type CreateInstanceReq struct {
	ProcessID string         `json:"process_id" validate:"required"`
	Version   int64          `json:"version"` // <=0 表示最新版本
	Variables map[string]any `json:"variables"`
}

type CorrelateMessageReq struct {
	Name string `json:"name" validate:"required"`
	// CorrelationKey 相关键,空字符串表示无键,保留给消息启动事件
	CorrelationKey string         `json:"correlation_key"`
	Variables      map[string]any `json:"variables"`
}

// CorrelationResult 相关结果
// Matched=false表示没有订阅者也没有启动事件绑定,不是错误
type CorrelationResult struct {
	InstanceKey int64 `json:"instance_key"`
	Matched     bool  `json:"matched"`
}

type ActivateJobsReq struct {
	JobType  string `json:"job_type" validate:"required"`
	MaxCount int64  `json:"max_count" validate:"gt=0"`
}

type ThrowErrorReq struct {
	JobID     string         `json:"job_id" validate:"required"`
	ErrorCode string         `json:"error_code"`
	Variables map[string]any `json:"variables"`
}

// Options 引擎参数,零值有默认
type Options struct {
	// StartTime 逻辑时钟起点,默认取构造时的时间,之后只随AdvanceClock前进
	StartTime time.Time
	// JobLockDuration job激活租约时长,默认5分钟(逻辑时钟)
	JobLockDuration time.Duration
	// AdvanceLockTime 实例推进锁最大持有时间,默认10分钟
	AdvanceLockTime time.Duration
	// DefaultJobRetries job初始重试次数,默认3
	DefaultJobRetries int64
}

func (o *Options) withDefaults() Options {
	ret := Options{}
	if o != nil {
		ret = *o
	}
	if ret.StartTime.IsZero() {
		ret.StartTime = time.Now()
	}
	if ret.JobLockDuration <= 0 {
		ret.JobLockDuration = 5 * time.Minute
	}
	if ret.AdvanceLockTime <= 0 {
		ret.AdvanceLockTime = 10 * time.Minute
	}
	if ret.DefaultJobRetries <= 0 {
		ret.DefaultJobRetries = 3
	}
	return ret
}

// engineImpl 引擎实现
type engineImpl struct {
	repo HistoryRepo
	lock EngineLock
	opts Options

	// mu 保护下面的内存状态,只短暂持有
	// 单实例推进的串行化靠lock(EngineLock),不靠mu
	mu          sync.Mutex
	definitions *definitionStore
	instances   map[int64]*ProcessInstance
	jobs        *jobQueue
	messages    *messageTable
	timers      *timerWheel
	clock       time.Time
	keySeq      int64
	eventSeq    int64
}

func NewEngine(repo HistoryRepo, lock EngineLock, opts *Options) Engine {
	o := opts.withDefaults()
	return &engineImpl{
		repo:        repo,
		lock:        lock,
		opts:        o,
		definitions: newDefinitionStore(),
		instances:   make(map[int64]*ProcessInstance),
		jobs:        newJobQueue(),
		messages:    newMessageTable(),
		timers:      newTimerWheel(),
		clock:       o.StartTime,
	}
}
