package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type ProcessInstancePo struct {
	// InstanceKey 引擎分配,不用数据库自增,保证和内存状态一致
	InstanceKey int64          `gorm:"column:instance_key;primaryKey" json:"instance_key"`
	ProcessID   string         `gorm:"column:process_id" json:"process_id"`
	Version     int64          `gorm:"column:version" json:"version"`
	Status      InstanceStatus `gorm:"column:status" json:"status"`
	// ParentKey callActivity父实例,根实例为0
	ParentKey int64  `gorm:"column:parent_key" json:"parent_key"`
	Variables []byte `gorm:"column:variables" json:"variables"` // 创建时的变量快照
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcessInstancePo) TableName() string {
	return "process_instance"
}

type ElementEventPo struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Seq         int64     `gorm:"column:seq"` // 引擎全局序号,事件排序以它为准
	InstanceKey int64     `gorm:"column:instance_key"`
	ProcessID   string    `gorm:"column:process_id"`
	ElementID   string    `gorm:"column:element_id"`
	ElementType string    `gorm:"column:element_type"`
	EventType   EventType `gorm:"column:event_type"`
	// Payload 事件附加数据: variable_set是{name,value},incident_raised是{incident_id,message}
	Payload   []byte `gorm:"column:payload"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (ElementEventPo) TableName() string {
	return "element_event"
}

type QueryInstanceParams struct {
	InstanceKey   *int64   `json:"instance_key"`
	ProcessIDIn   []string `json:"process_id_in"`
	StatusIn      []string `json:"status_in"`
	OrderbyKeyAsc *bool    `json:"orderby_key_asc"`
	Page          *Pager   `json:"page"`
}

type QueryEventParams struct {
	InstanceKey *int64   `json:"instance_key"`
	EventTypeIn []string `json:"event_type_in"`
	ElementIDIn []string `json:"element_id_in"`
	Page        *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type historyRepo struct {
	db *gorm.DB
}

func NewHistoryRepo(db *gorm.DB) HistoryRepo {
	return &historyRepo{
		db: db,
	}
}

func (r *historyRepo) CreateInstance(ctx context.Context, instance *ProcessInstancePo) (*ProcessInstancePo, error) {
	if instance == nil {
		return nil, fmt.Errorf("nil ProcessInstancePo")
	}
	if err := r.db.WithContext(ctx).Create(instance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateInstance failed")
	}
	return instance, nil
}

func (r *historyRepo) UpdateInstanceStatus(ctx context.Context, instanceKey int64, status InstanceStatus, updatedAt int64) error {
	err := r.db.WithContext(ctx).Model(&ProcessInstancePo{}).
		Where("instance_key = ?", instanceKey).
		Updates(map[string]any{
			"status":     status,
			"updated_at": updatedAt,
		}).Error
	if err != nil {
		return errors.WithMessagef(err, "UpdateInstanceStatus failed, instanceKey: %d", instanceKey)
	}
	return nil
}

func buildQueryInstanceParams(db *gorm.DB, param *QueryInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryInstanceParams")
	}
	if param.InstanceKey != nil {
		db = db.Where("instance_key = ?", param.InstanceKey)
	}
	if len(param.ProcessIDIn) != 0 {
		db = db.Where("process_id IN ?", param.ProcessIDIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyKeyAsc != nil {
		if *param.OrderbyKeyAsc {
			db = db.Order("instance_key asc")
		} else {
			db = db.Order("instance_key desc")
		}
	}
	if param.Page == nil {
		return db, nil
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *historyRepo) QueryInstance(ctx context.Context, param *QueryInstanceParams) ([]*ProcessInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryInstanceParams")
	}
	db := r.db.WithContext(ctx).Model(&ProcessInstancePo{})
	db, err := buildQueryInstanceParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	pos := make([]*ProcessInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryInstance failed")
	}
	return pos, nil
}

func (r *historyRepo) AppendEvent(ctx context.Context, event *ElementEventPo) error {
	if event == nil {
		return fmt.Errorf("nil ElementEventPo")
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.WithMessage(err, "AppendEvent failed")
	}
	return nil
}

func buildQueryEventParams(db *gorm.DB, param *QueryEventParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryEventParams")
	}
	if param.InstanceKey != nil {
		db = db.Where("instance_key = ?", param.InstanceKey)
	}
	if len(param.EventTypeIn) != 0 {
		db = db.Where("event_type IN ?", param.EventTypeIn)
	}
	if len(param.ElementIDIn) != 0 {
		db = db.Where("element_id IN ?", param.ElementIDIn)
	}
	// 事件日志只追加,seq升序就是发生顺序
	db = db.Order("seq asc")
	if param.Page != nil {
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *historyRepo) QueryEvent(ctx context.Context, param *QueryEventParams) ([]*ElementEventPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryEventParams")
	}
	db := r.db.WithContext(ctx).Model(&ElementEventPo{})
	db, err := buildQueryEventParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryEventParams failed")
	}
	pos := make([]*ElementEventPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryEvent failed")
	}
	return pos, nil
}
