package engine

import (
	"sort"
	"time"
)

// timerKind 定时器用途
type timerKind = string

const (
	// timerKindCatch 定时捕获事件,到期后token越过该节点继续
	timerKindCatch timerKind = "catch"
	// timerKindBoundary 边界定时器,挂在活动上的影子定时器
	timerKindBoundary timerKind = "boundary"
)

// timerEntry 一条已排期的定时器,(dueTime,创建顺序)排序
type timerEntry struct {
	seq  int64
	due  time.Time
	kind timerKind
	// token 定时捕获时是等待的token,边界定时时是占据宿主活动的token
	token *Token
	// node 边界定时器对应的boundary节点,catch时是timerCatch节点本身
	node      *Node
	cancelled bool
}

// timerWheel 定时器存储,按到期时间弹出,由逻辑时钟驱动
type timerWheel struct {
	entries []*timerEntry
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

func (w *timerWheel) add(entry *timerEntry) {
	w.entries = append(w.entries, entry)
}

// nextDue 返回limit之前(含)最早的到期时间
func (w *timerWheel) nextDue(limit time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, entry := range w.entries {
		if entry.cancelled || entry.due.After(limit) {
			continue
		}
		if !found || entry.due.Before(best) {
			best = entry.due
			found = true
		}
	}
	return best, found
}

// popDue 弹出所有到期时间<=t的定时器,升序,同一时刻按创建顺序
func (w *timerWheel) popDue(t time.Time) []*timerEntry {
	due := make([]*timerEntry, 0)
	kept := w.entries[:0]
	for _, entry := range w.entries {
		if entry.cancelled {
			continue
		}
		if !entry.due.After(t) {
			due = append(due, entry)
			continue
		}
		kept = append(kept, entry)
	}
	w.entries = kept
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	return due
}

// cancelByToken token离开节点或被取消时,清掉它挂的所有定时器
func (w *timerWheel) cancelByToken(token *Token) {
	for _, entry := range w.entries {
		if entry.token == token {
			entry.cancelled = true
		}
	}
}
