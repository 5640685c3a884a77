package engine

import (
	"context"
)

// HistoryRepo 实例注册表的存储接口,追加写事件日志+实例记录
// 引擎是唯一写入方,Query接口只读推导,注册表自身不改实例状态
type HistoryRepo interface {
	CreateInstance(ctx context.Context, instance *ProcessInstancePo) (*ProcessInstancePo, error)
	UpdateInstanceStatus(ctx context.Context, instanceKey int64, status InstanceStatus, updatedAt int64) error
	QueryInstance(ctx context.Context, param *QueryInstanceParams) ([]*ProcessInstancePo, error)
	AppendEvent(ctx context.Context, event *ElementEventPo) error
	QueryEvent(ctx context.Context, param *QueryEventParams) ([]*ElementEventPo, error)
}
