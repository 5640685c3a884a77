package engine

import "github.com/pkg/errors"

var (
	ErrDefinitionNotFound = errors.New("process definition not found")
	ErrDefinitionInvalid  = errors.New("process definition invalid")
	ErrInstanceNotFound   = errors.New("process instance not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotActivated    = errors.New("job not activated")
	ErrParamInvalid       = errors.New("param invalid")
	ErrExpressionInvalid  = errors.New("expression invalid")
	// ErrNoMatchingFlow: 排他网关没有任何条件满足且没有默认流
	// 属于流程定义缺陷,引擎不会中途抛出,而是记录incident并终止实例,通过Query可见
	ErrNoMatchingFlow = errors.New("no matching sequence flow")
)

// JobTypeUserTask 用户任务的保留jobType,所有用户任务共用
// 外部工具可以通过这个类型统一认领用户任务
const JobTypeUserTask = "bpm:user-task"

// InstanceStatus 流程实例生命周期状态
type InstanceStatus = string

const (
	InstanceStatusActive InstanceStatus = "active"
	// 完成, 实例终止状态, 所有token都正常走到结束
	InstanceStatusCompleted InstanceStatus = "completed"
	// 终止, 实例终止状态, 定义缺陷(NoMatchingFlow)或外部取消导致
	InstanceStatusTerminated InstanceStatus = "terminated"
)

func IsOverInstanceStatus(status InstanceStatus) bool {
	return status == InstanceStatusCompleted || status == InstanceStatusTerminated
}

// JobState 任务状态
type JobState = string

const (
	JobStateCreated   JobState = "created"
	JobStateActivated JobState = "activated"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// EventType 实例事件类型,追加写入事件日志,Query接口基于日志推导
type EventType = string

const (
	EventTypeElementActivated   EventType = "element_activated"
	EventTypeElementCompleted   EventType = "element_completed"
	EventTypeElementTerminated  EventType = "element_terminated"
	EventTypeVariableSet        EventType = "variable_set"
	EventTypeIncidentRaised     EventType = "incident_raised"
	EventTypeInstanceCompleted  EventType = "instance_completed"
	EventTypeInstanceTerminated EventType = "instance_terminated"
)

// NodeKind 节点类型
type NodeKind = string

const (
	NodeKindStart            NodeKind = "start"
	NodeKindEnd              NodeKind = "end"
	NodeKindUserTask         NodeKind = "userTask"
	NodeKindServiceTask      NodeKind = "serviceTask"
	NodeKindParallelGateway  NodeKind = "parallelGateway"
	NodeKindExclusiveGateway NodeKind = "exclusiveGateway"
	NodeKindMessageCatch     NodeKind = "messageCatch"
	NodeKindTimerCatch       NodeKind = "timerCatch"
	NodeKindSubProcess       NodeKind = "subProcess"
	NodeKindCallActivity     NodeKind = "callActivity"
	NodeKindBoundary         NodeKind = "boundary"
)

// BoundaryKind 边界事件类型
type BoundaryKind = string

const (
	BoundaryKindTimer BoundaryKind = "timer"
	BoundaryKindError BoundaryKind = "error"
)

// tokenStatus token内部状态,只在引擎内部使用
type tokenStatus = string

const (
	tokenStatusRunning        tokenStatus = "running"
	tokenStatusWaitingJob     tokenStatus = "waiting_job"
	tokenStatusWaitingMessage tokenStatus = "waiting_message"
	tokenStatusWaitingTimer   tokenStatus = "waiting_timer"
	tokenStatusWaitingChild   tokenStatus = "waiting_child"
	// incident: token被挂起,不再推进,实例其余部分继续运行
	tokenStatusIncident tokenStatus = "incident"
	tokenStatusEnded    tokenStatus = "ended"
)

// IsSeriousError 判断是否是需要人工介入的严重错误
// 严重错误: 定义缺失/定义缺陷,无论重试多少次都不会成功
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrDefinitionNotFound) ||
		errors.Is(causeErr, ErrDefinitionInvalid) ||
		errors.Is(causeErr, ErrExpressionInvalid) ||
		errors.Is(causeErr, ErrNoMatchingFlow) {
		return true
	}
	return false
}
