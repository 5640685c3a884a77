package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// InstanceQuery 实例断言视图,基于事件日志和实例快照推导
// 所有断言方法返回error,nil表示断言成立,测试里直接require.NoError
type InstanceQuery struct {
	po     *ProcessInstancePo
	events []*ElementEventPo
	// activeElements 活跃(等待中)token所在节点,实例结束后为空
	activeElements []string
}

func newInstanceQuery(po *ProcessInstancePo, events []*ElementEventPo, activeElements []string) *InstanceQuery {
	return &InstanceQuery{po: po, events: events, activeElements: activeElements}
}

// InstanceKey 被查询实例的key
func (q *InstanceQuery) InstanceKey() int64 {
	return q.po.InstanceKey
}

// Status 实例当前状态
func (q *InstanceQuery) Status() InstanceStatus {
	return q.po.Status
}

func (q *InstanceQuery) IsActive() error {
	if q.po.Status != InstanceStatusActive {
		return errors.Errorf("instance %d is %s, not active", q.po.InstanceKey, q.po.Status)
	}
	return nil
}

func (q *InstanceQuery) IsCompleted() error {
	if q.po.Status != InstanceStatusCompleted {
		return errors.Errorf("instance %d is %s, not completed", q.po.InstanceKey, q.po.Status)
	}
	return nil
}

func (q *InstanceQuery) IsTerminated() error {
	if q.po.Status != InstanceStatusTerminated {
		return errors.Errorf("instance %d is %s, not terminated", q.po.InstanceKey, q.po.Status)
	}
	return nil
}

// HasCompletedElement 节点完成了指定次数,循环/多实例场景下同一节点会完成多次
func (q *InstanceQuery) HasCompletedElement(elementID string, count int) error {
	got := 0
	for _, ev := range q.events {
		if ev.EventType == EventTypeElementCompleted && ev.ElementID == elementID {
			got++
		}
	}
	if got != count {
		return errors.Errorf("instance %d: element %s completed %d times, want %d",
			q.po.InstanceKey, elementID, got, count)
	}
	return nil
}

// HasCompletedElementsInOrder 给定节点集合内的完成事件序列和期望完全一致
// 集合外的节点不参与比较,同一节点可以出现多次(如循环里的重复任务)
func (q *InstanceQuery) HasCompletedElementsInOrder(elementIDs ...string) error {
	interested := make(map[string]bool, len(elementIDs))
	for _, id := range elementIDs {
		interested[id] = true
	}
	got := make([]string, 0, len(elementIDs))
	for _, ev := range q.events {
		if ev.EventType == EventTypeElementCompleted && interested[ev.ElementID] {
			got = append(got, ev.ElementID)
		}
	}
	if len(got) != len(elementIDs) {
		return errors.Errorf("instance %d: completed order [%s], want [%s]",
			q.po.InstanceKey, strings.Join(got, ", "), strings.Join(elementIDs, ", "))
	}
	for i, id := range elementIDs {
		if got[i] != id {
			return errors.Errorf("instance %d: completed order [%s], want [%s]",
				q.po.InstanceKey, strings.Join(got, ", "), strings.Join(elementIDs, ", "))
		}
	}
	return nil
}

// HasNotActivatedElements 给定节点一次都没被激活过
func (q *InstanceQuery) HasNotActivatedElements(elementIDs ...string) error {
	activated := make(map[string]bool)
	for _, ev := range q.events {
		if ev.EventType == EventTypeElementActivated {
			activated[ev.ElementID] = true
		}
	}
	for _, id := range elementIDs {
		if activated[id] {
			return errors.Errorf("instance %d: element %s was activated", q.po.InstanceKey, id)
		}
	}
	return nil
}

// HasActiveElements 给定节点上正有token等待
func (q *InstanceQuery) HasActiveElements(elementIDs ...string) error {
	active := make(map[string]bool, len(q.activeElements))
	for _, id := range q.activeElements {
		active[id] = true
	}
	for _, id := range elementIDs {
		if !active[id] {
			return errors.Errorf("instance %d: element %s has no waiting token, active: [%s]",
				q.po.InstanceKey, id, strings.Join(q.activeElements, ", "))
		}
	}
	return nil
}

// HasVariable 根作用域变量当前值等于期望值
// 比较前双方都做JSON归一化,避免int/float64这类反序列化差异
func (q *InstanceQuery) HasVariable(name string, value any) error {
	var got any
	found := false
	for _, ev := range q.events {
		if ev.EventType != EventTypeVariableSet {
			continue
		}
		payload := map[string]any{}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload["name"] == name {
			got = payload["value"]
			found = true
		}
	}
	if !found {
		return errors.Errorf("instance %d: variable %s never set", q.po.InstanceKey, name)
	}
	want, err := jsonNormalize(value)
	if err != nil {
		return errors.WithMessagef(err, "instance %d: normalize expected value of %s", q.po.InstanceKey, name)
	}
	if !reflect.DeepEqual(got, want) {
		return errors.Errorf("instance %d: variable %s = %v, want %v", q.po.InstanceKey, name, got, want)
	}
	return nil
}

// HasIncidentOnElement 给定节点上记过incident
func (q *InstanceQuery) HasIncidentOnElement(elementID string) error {
	for _, ev := range q.events {
		if ev.EventType == EventTypeIncidentRaised && ev.ElementID == elementID {
			return nil
		}
	}
	return errors.Errorf("instance %d: no incident on element %s", q.po.InstanceKey, elementID)
}

// EventCount 事件日志长度,用来断言某个操作没有留下任何痕迹
func (q *InstanceQuery) EventCount() int {
	return len(q.events)
}

func jsonNormalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	var ret any
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}
	return ret, nil
}
