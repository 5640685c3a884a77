package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const clockLockKey = "bpm_clock"

func instanceLockKey(instanceKey int64) string {
	return fmt.Sprintf("bpm_instance_%d", instanceKey)
}

func (e *engineImpl) Deploy(ctx context.Context, config *DefinitionConfig) (*DefinitionMeta, error) {
	if config == nil {
		return nil, errors.Wrap(ErrParamInvalid, "nil DefinitionConfig")
	}
	meta, err := e.definitions.deploy(config)
	if err != nil {
		return nil, err
	}
	slog.Info("process deployed", "processID", meta.ProcessID, "version", meta.Version)
	return meta, nil
}

func (e *engineImpl) CreateInstance(ctx context.Context, req *CreateInstanceReq) (int64, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrParamInvalid, "CreateInstance failed, req: %+v, err: %v", req, err)
	}
	def, err := e.definitions.get(req.ProcessID, req.Version)
	if err != nil {
		return 0, err
	}
	inst, err := e.newInstance(ctx, def, req.Variables, nil)
	if err != nil {
		return 0, err
	}
	err = e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
		return e.beginInstance(ctx2, inst)
	})
	if err != nil {
		return 0, err
	}
	return inst.key, nil
}

func (e *engineImpl) CorrelateMessage(ctx context.Context, req *CorrelateMessageReq) (*CorrelationResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "CorrelateMessage failed, req: %+v, err: %v", req, err)
	}

	e.mu.Lock()
	sub := e.messages.pop(req.Name, req.CorrelationKey)
	e.mu.Unlock()
	if sub != nil {
		inst := sub.token.inst
		err := e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
			token := sub.token
			// 弹出订阅到拿到实例锁之间token可能已被边界事件取消
			if token.status != tokenStatusWaitingMessage || token.sub != sub {
				return nil
			}
			token.sub = nil
			if err := e.mergeTokenVariables(ctx2, inst, token, req.Variables); err != nil {
				return err
			}
			return e.resumeToken(ctx2, inst, token)
		})
		if err != nil {
			return nil, err
		}
		return &CorrelationResult{InstanceKey: inst.key, Matched: true}, nil
	}

	// 没有订阅者,看有没有流程把这个消息绑定成启动事件
	// 带相关键的消息不触发启动,空键保留给消息启动事件
	if req.CorrelationKey == "" {
		if def, ok := e.definitions.byMessageStart(req.Name); ok {
			inst, err := e.newInstance(ctx, def, req.Variables, nil)
			if err != nil {
				return nil, err
			}
			err = e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
				return e.beginInstance(ctx2, inst)
			})
			if err != nil {
				return nil, err
			}
			return &CorrelationResult{InstanceKey: inst.key, Matched: true}, nil
		}
	}

	// fire-and-forget,未匹配不是错误也不留任何痕迹
	return &CorrelationResult{Matched: false}, nil
}

func (e *engineImpl) ActivateJobs(ctx context.Context, req *ActivateJobsReq) ([]*ActivatedJob, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "ActivateJobs failed, req: %+v, err: %v", req, err)
	}

	e.mu.Lock()
	now := e.clock
	reclaimed := e.jobs.reclaimExpired(now)
	jobs := e.jobs.activate(req.JobType, req.MaxCount, now, e.opts.JobLockDuration)
	ret := make([]*ActivatedJob, 0, len(jobs))
	for _, job := range jobs {
		ret = append(ret, &ActivatedJob{
			JobID:       job.ID,
			Type:        job.Type,
			ElementID:   job.ElementID,
			InstanceKey: job.InstanceKey,
			ProcessID:   job.ProcessID,
			Retries:     job.Retries,
			Variables:   cloneVariables(job.variables),
		})
	}
	e.mu.Unlock()

	for _, job := range reclaimed {
		slog.Warn("job lease expired, back to created", "jobID", job.ID, "jobType", job.Type, "instanceKey", job.InstanceKey)
	}
	return ret, nil
}

func (e *engineImpl) CompleteJob(ctx context.Context, jobID string, variables map[string]any) error {
	e.mu.Lock()
	job, ok := e.jobs.get(jobID)
	e.mu.Unlock()
	if !ok {
		return errors.WithMessagef(ErrJobNotFound, "jobID: %s", jobID)
	}

	inst := job.token.inst
	return e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
		// 重查,等锁期间job可能已被别人完成或租约回收
		e.mu.Lock()
		job, ok = e.jobs.get(jobID)
		if !ok {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotFound, "jobID: %s", jobID)
		}
		if job.State != JobStateActivated {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotActivated, "jobID: %s, state: %s", jobID, job.State)
		}
		job.State = JobStateCompleted
		e.jobs.remove(jobID)
		e.mu.Unlock()

		token := job.token
		token.jobID = ""
		if err := e.mergeTokenVariables(ctx2, inst, token, variables); err != nil {
			return err
		}
		return e.resumeToken(ctx2, inst, token)
	})
}

func (e *engineImpl) FailJob(ctx context.Context, jobID string, retries int64) error {
	e.mu.Lock()
	job, ok := e.jobs.get(jobID)
	e.mu.Unlock()
	if !ok {
		return errors.WithMessagef(ErrJobNotFound, "jobID: %s", jobID)
	}
	if retries < 0 {
		retries = 0
	}

	inst := job.token.inst
	return e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
		e.mu.Lock()
		job, ok = e.jobs.get(jobID)
		if !ok {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotFound, "jobID: %s", jobID)
		}
		if job.State != JobStateActivated {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotActivated, "jobID: %s, state: %s", jobID, job.State)
		}
		if retries > 0 {
			job.Retries = retries
			job.State = JobStateCreated
			job.LockedUntil = time.Time{}
			e.mu.Unlock()
			slog.Warn("job failed, will retry", "jobID", jobID, "retries", retries)
			return nil
		}
		job.State = JobStateFailed
		e.jobs.remove(jobID)
		e.mu.Unlock()

		// 重试耗尽,该分支挂起等人工处理,实例其余部分不受影响
		token := job.token
		token.jobID = ""
		return e.raiseIncident(ctx2, inst, token,
			fmt.Sprintf("job failed with no retries left, jobType: %s, element: %s", job.Type, job.ElementID))
	})
}

func (e *engineImpl) ThrowError(ctx context.Context, req *ThrowErrorReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrParamInvalid, "ThrowError failed, req: %+v, err: %v", req, err)
	}
	e.mu.Lock()
	job, ok := e.jobs.get(req.JobID)
	e.mu.Unlock()
	if !ok {
		return errors.WithMessagef(ErrJobNotFound, "jobID: %s", req.JobID)
	}

	inst := job.token.inst
	return e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
		e.mu.Lock()
		job, ok = e.jobs.get(req.JobID)
		if !ok {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotFound, "jobID: %s", req.JobID)
		}
		if job.State != JobStateActivated {
			e.mu.Unlock()
			return errors.WithMessagef(ErrJobNotActivated, "jobID: %s, state: %s", req.JobID, job.State)
		}
		e.jobs.remove(req.JobID)
		e.mu.Unlock()

		token := job.token
		token.jobID = ""
		target := matchErrorBoundary(token.node, req.ErrorCode)
		if target == nil {
			return e.raiseIncident(ctx2, inst, token,
				fmt.Sprintf("uncaught error, code: %s, element: %s", req.ErrorCode, token.node.ID))
		}
		if err := e.mergeTokenVariables(ctx2, inst, token, req.Variables); err != nil {
			return err
		}
		// 错误边界总是中断宿主
		if err := e.interruptToken(ctx2, inst, token); err != nil {
			return err
		}
		bt := e.newToken(inst, target, token.frame)
		inst.addToken(bt)
		inst.pushRunnable(bt)
		return e.runToExhaustion(ctx2, inst)
	})
}

// matchErrorBoundary 精确错误码优先,空码边界兜底捕获所有错误
func matchErrorBoundary(host *Node, errorCode string) *Node {
	var catchAll *Node
	for _, b := range host.Boundary {
		if b.BoundaryKind != BoundaryKindError {
			continue
		}
		if b.ErrorCode != "" && b.ErrorCode == errorCode {
			return b
		}
		if b.ErrorCode == "" && catchAll == nil {
			catchAll = b
		}
	}
	return catchAll
}

func (e *engineImpl) AdvanceClock(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return errors.Wrapf(ErrParamInvalid, "AdvanceClock needs non-negative duration, got: %v", d)
	}
	return e.lock.Synchronized(ctx, clockLockKey, e.opts.AdvanceLockTime, func(ctx2 context.Context) error {
		e.mu.Lock()
		target := e.clock.Add(d)
		e.mu.Unlock()

		// 推进到不动点: 每触发一批定时器都可能排入更早于target的新定时器
		for {
			e.mu.Lock()
			next, ok := e.timers.nextDue(target)
			if !ok {
				e.clock = target
				reclaimed := e.jobs.reclaimExpired(target)
				e.mu.Unlock()
				logReclaimed(reclaimed)
				return nil
			}
			e.clock = next
			due := e.timers.popDue(next)
			reclaimed := e.jobs.reclaimExpired(next)
			e.mu.Unlock()

			logReclaimed(reclaimed)
			for _, entry := range due {
				if err := e.fireTimer(ctx2, entry); err != nil {
					return err
				}
			}
		}
	})
}

func logReclaimed(jobs []*Job) {
	for _, job := range jobs {
		slog.Warn("job lease expired, back to created", "jobID", job.ID, "jobType", job.Type, "instanceKey", job.InstanceKey)
	}
}

func (e *engineImpl) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *engineImpl) QueryInstance(ctx context.Context, instanceKey int64) (*InstanceQuery, error) {
	pos, err := e.repo.QueryInstance(ctx, &QueryInstanceParams{InstanceKey: &instanceKey})
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrInstanceNotFound, "instanceKey: %d", instanceKey)
	}
	events, err := e.repo.QueryEvent(ctx, &QueryEventParams{InstanceKey: &instanceKey})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	inst := e.instances[instanceKey]
	e.mu.Unlock()
	var activeElements []string
	if inst != nil {
		activeElements = inst.activeElementIDs()
	}
	return newInstanceQuery(pos[0], events, activeElements), nil
}

func (e *engineImpl) QueryProcess(ctx context.Context, processID string) (*InstanceQuery, error) {
	asc := false
	pos, err := e.repo.QueryInstance(ctx, &QueryInstanceParams{
		ProcessIDIn:   []string{processID},
		OrderbyKeyAsc: &asc,
		Page:          &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrInstanceNotFound, "processID: %s", processID)
	}
	return e.QueryInstance(ctx, pos[0].InstanceKey)
}

// ---- 内部推进 ----

// orphanCollector 推进过程中被中断连带的子实例key
// 实例锁只允许子到父方向获取,父实例持锁期间不能直接去拿子实例锁
// 所以中断只摘除关联,真正终止推迟到最外层推进出锁之后
type orphanCollector struct {
	keys []int64
}

type orphanCtxKey struct{}

func collectOrphan(ctx context.Context, instanceKey int64) {
	if c, ok := ctx.Value(orphanCtxKey{}).(*orphanCollector); ok {
		c.keys = append(c.keys, instanceKey)
	}
}

// withInstance 串行化单实例的所有推进,锁内对同一实例可重入
// 最外层调用负责收尾: 出锁后终止本次推进抛下的孤儿子实例
func (e *engineImpl) withInstance(ctx context.Context, instanceKey int64, f func(context.Context) error) error {
	if _, nested := ctx.Value(orphanCtxKey{}).(*orphanCollector); nested {
		return e.lock.Synchronized(ctx, instanceLockKey(instanceKey), e.opts.AdvanceLockTime, f)
	}
	collector := &orphanCollector{}
	err := e.lock.Synchronized(context.WithValue(ctx, orphanCtxKey{}, collector),
		instanceLockKey(instanceKey), e.opts.AdvanceLockTime, f)
	if err != nil {
		return err
	}
	return e.terminateOrphans(ctx, collector)
}

// terminateOrphans 逐个终止被摘除的子实例,每个终止本身又是一次最外层推进
func (e *engineImpl) terminateOrphans(ctx context.Context, collector *orphanCollector) error {
	for len(collector.keys) > 0 {
		key := collector.keys[0]
		collector.keys = collector.keys[1:]
		err := e.withInstance(ctx, key, func(ctx2 context.Context) error {
			e.mu.Lock()
			child := e.instances[key]
			e.mu.Unlock()
			// 等锁期间子实例可能已自己跑完
			if child == nil || IsOverInstanceStatus(child.status) {
				return nil
			}
			return e.terminateInstance(ctx2, child)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) nextSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keySeq++
	return e.keySeq
}

func (e *engineImpl) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *engineImpl) newToken(inst *ProcessInstance, node *Node, frame *scopeFrame) *Token {
	return &Token{
		key:    e.nextSeq(),
		inst:   inst,
		node:   node,
		frame:  frame,
		status: tokenStatusRunning,
	}
}

// newInstance 建实例结构并落库,不做任何推进
func (e *engineImpl) newInstance(ctx context.Context, def *ProcessDefinition, variables map[string]any, parentToken *Token) (*ProcessInstance, error) {
	key := e.nextSeq()
	rootVars := NewVariableContextFromMap(variables)
	inst := &ProcessInstance{
		key:         key,
		def:         def,
		status:      InstanceStatusActive,
		rootFrame:   newScopeFrame(e.nextSeq(), nil, nil, rootVars),
		tokens:      make(map[int64]*Token),
		parentToken: parentToken,
	}

	now := e.now().Unix()
	po := &ProcessInstancePo{
		InstanceKey: key,
		ProcessID:   def.ProcessID,
		Version:     def.Version,
		Status:      InstanceStatusActive,
		Variables:   rootVars.ToBytesWithoutError(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parentToken != nil {
		po.ParentKey = parentToken.inst.key
	}
	if _, err := e.repo.CreateInstance(ctx, po); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.instances[key] = inst
	e.mu.Unlock()

	// 初始变量按key排序写日志,保证事件顺序稳定
	for _, name := range sortedKeys(variables) {
		err := e.appendEvent(ctx, inst, def.ProcessID, "process", EventTypeVariableSet,
			map[string]any{"name": name, "value": variables[name]})
		if err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// beginInstance 从开始节点推进,调用方需持有实例锁
func (e *engineImpl) beginInstance(ctx context.Context, inst *ProcessInstance) error {
	token := e.newToken(inst, inst.def.Graph.start, inst.rootFrame)
	inst.addToken(token)
	inst.pushRunnable(token)
	return e.runToExhaustion(ctx, inst)
}

// runToExhaustion 把待执行队列跑空,之后实例里只剩等待中的token(或实例已结束)
func (e *engineImpl) runToExhaustion(ctx context.Context, inst *ProcessInstance) error {
	for inst.status == InstanceStatusActive {
		token, ok := inst.popRunnable()
		if !ok {
			break
		}
		if token.status != tokenStatusRunning {
			continue
		}
		if err := e.stepToken(ctx, inst, token); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) stepToken(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	switch node.Kind {
	case NodeKindStart, NodeKindBoundary:
		if err := e.passThrough(ctx, inst, node); err != nil {
			return err
		}
		return e.leaveNode(ctx, inst, token)
	case NodeKindEnd:
		if err := e.passThrough(ctx, inst, node); err != nil {
			return err
		}
		inst.retireToken(token)
		return e.onFrameQuiesced(ctx, inst, token.frame)
	case NodeKindUserTask, NodeKindServiceTask:
		return e.enterTask(ctx, inst, token)
	case NodeKindParallelGateway:
		return e.stepParallelGateway(ctx, inst, token)
	case NodeKindExclusiveGateway:
		return e.stepExclusiveGateway(ctx, inst, token)
	case NodeKindMessageCatch:
		return e.enterMessageCatch(ctx, inst, token)
	case NodeKindTimerCatch:
		return e.enterTimerCatch(ctx, inst, token)
	case NodeKindSubProcess:
		return e.enterSubProcess(ctx, inst, token)
	case NodeKindCallActivity:
		return e.enterCallActivity(ctx, inst, token)
	default:
		return errors.WithMessagef(ErrDefinitionInvalid, "cannot execute node %s of kind %s", node.ID, node.Kind)
	}
}

// passThrough 即过型节点,进入即完成
func (e *engineImpl) passThrough(ctx context.Context, inst *ProcessInstance, node *Node) error {
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}
	return e.nodeEvent(ctx, inst, node, EventTypeElementCompleted)
}

// leaveNode token沿所有出边继续,第一条出边复用当前token,其余出边派生新token
// 没有出边视为隐式结束
func (e *engineImpl) leaveNode(ctx context.Context, inst *ProcessInstance, token *Token) error {
	out := token.node.Outgoing
	if len(out) == 0 {
		inst.retireToken(token)
		return e.onFrameQuiesced(ctx, inst, token.frame)
	}
	for i, flow := range out {
		if i == 0 {
			e.moveAlong(inst, token, flow)
			continue
		}
		t := e.newToken(inst, flow.To, token.frame)
		inst.addToken(t)
		inst.pushRunnable(t)
	}
	return nil
}

func (e *engineImpl) moveAlong(inst *ProcessInstance, token *Token, flow *Flow) {
	token.node = flow.To
	token.status = tokenStatusRunning
	inst.pushRunnable(token)
}

func (e *engineImpl) enterTask(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Type:        node.JobType,
		ElementID:   node.ID,
		InstanceKey: inst.key,
		ProcessID:   inst.def.ProcessID,
		Retries:     e.opts.DefaultJobRetries,
		State:       JobStateCreated,
		CreatedAt:   e.now(),
		token:       token,
		seq:         e.nextSeq(),
		variables:   token.frame.vars.Flatten(),
	}
	token.status = tokenStatusWaitingJob
	token.jobID = job.ID

	e.mu.Lock()
	e.jobs.add(job)
	e.mu.Unlock()

	e.registerBoundaryTimers(token)
	return nil
}

func (e *engineImpl) stepParallelGateway(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	frame := token.frame
	if len(node.Incoming) > 1 {
		// 汇聚: 等齐所有入边,先到的token被吸收
		barrier := frame.gatewayBarriers[node.ID]
		if barrier == nil {
			barrier = &joinBarrier{expected: len(node.Incoming)}
			frame.gatewayBarriers[node.ID] = barrier
			if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
				return err
			}
		}
		if !barrier.arrive() {
			inst.retireToken(token)
			return e.onFrameQuiesced(ctx, inst, frame)
		}
		// 本轮汇聚完成,下一轮(循环回来)重新计数
		delete(frame.gatewayBarriers, node.ID)
	} else {
		if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
			return err
		}
	}
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementCompleted); err != nil {
		return err
	}
	return e.leaveNode(ctx, inst, token)
}

func (e *engineImpl) stepExclusiveGateway(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}

	// 按声明顺序取第一条条件为真的出边,没条件视为恒真,都不中走默认流
	var chosen *Flow
	for _, flow := range node.Outgoing {
		if flow.IsDefault {
			continue
		}
		if flow.Condition == nil {
			chosen = flow
			break
		}
		ok, err := flow.Condition.evalBool(token.frame.vars)
		if err != nil {
			return e.raiseIncident(ctx, inst, token,
				fmt.Sprintf("condition eval failed on gateway %s: %v", node.ID, err))
		}
		if ok {
			chosen = flow
			break
		}
	}
	if chosen == nil {
		chosen = node.DefaultFlow
	}
	if chosen == nil {
		// 定义缺陷,无路可走,记incident并终止整个实例
		err := e.raiseIncident(ctx, inst, token,
			errors.WithMessagef(ErrNoMatchingFlow, "gateway: %s", node.ID).Error())
		if err != nil {
			return err
		}
		return e.terminateInstance(ctx, inst)
	}
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementCompleted); err != nil {
		return err
	}
	e.moveAlong(inst, token, chosen)
	return nil
}

func (e *engineImpl) enterMessageCatch(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}

	key := ""
	if node.Message.CorrelationKey != nil {
		var err error
		key, err = node.Message.CorrelationKey.evalString(token.frame.vars)
		if err != nil {
			return e.raiseIncident(ctx, inst, token,
				fmt.Sprintf("correlation key eval failed on %s: %v", node.ID, err))
		}
	}
	sub := &messageSub{name: node.Message.Name, key: key, token: token, seq: e.nextSeq()}
	token.status = tokenStatusWaitingMessage
	token.sub = sub

	e.mu.Lock()
	e.messages.add(sub)
	e.mu.Unlock()

	e.registerBoundaryTimers(token)
	return nil
}

func (e *engineImpl) enterTimerCatch(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}

	now := e.now()
	due := now.Add(node.Timer.Duration)
	if node.Timer.HasDate {
		due = node.Timer.Date
		if !due.After(now) {
			// 绝对时间已过,立即触发
			if err := e.nodeEvent(ctx, inst, node, EventTypeElementCompleted); err != nil {
				return err
			}
			return e.leaveNode(ctx, inst, token)
		}
	}
	entry := &timerEntry{seq: e.nextSeq(), due: due, kind: timerKindCatch, token: token, node: node}
	token.status = tokenStatusWaitingTimer
	token.timer = entry

	e.mu.Lock()
	e.timers.add(entry)
	e.mu.Unlock()

	e.registerBoundaryTimers(token)
	return nil
}

func (e *engineImpl) enterSubProcess(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}

	count := 1
	var items []any
	if node.Multi != nil {
		if node.Multi.Collection != nil {
			list, err := node.Multi.Collection.evalList(token.frame.vars)
			if err != nil {
				return e.raiseIncident(ctx, inst, token,
					fmt.Sprintf("input collection eval failed on %s: %v", node.ID, err))
			}
			items = list
			count = len(list)
		} else {
			count = int(node.Multi.Cardinality)
		}
	}
	if count == 0 {
		// 空集合,子流程视为立即完成
		if err := e.nodeEvent(ctx, inst, node, EventTypeElementCompleted); err != nil {
			return err
		}
		return e.leaveNode(ctx, inst, token)
	}

	token.status = tokenStatusWaitingChild
	token.completionBarrier = &joinBarrier{expected: count}
	for i := 0; i < count; i++ {
		local := map[string]any{}
		if node.Multi != nil {
			local["index"] = i
			if items != nil {
				local[node.Multi.ItemVar] = items[i]
			}
		}
		frame := newScopeFrame(e.nextSeq(), token.frame, node, token.frame.vars.NewChildScope(local))
		frame.ownerToken = token
		child := e.newToken(inst, node.Body.start, frame)
		inst.addToken(child)
		inst.pushRunnable(child)
	}
	e.registerBoundaryTimers(token)
	return nil
}

func (e *engineImpl) enterCallActivity(ctx context.Context, inst *ProcessInstance, token *Token) error {
	node := token.node
	if err := e.nodeEvent(ctx, inst, node, EventTypeElementActivated); err != nil {
		return err
	}

	childDef, err := e.definitions.get(node.CalledProcessID, 0)
	if err != nil {
		return e.raiseIncident(ctx, inst, token,
			fmt.Sprintf("called process not found: %s", node.CalledProcessID))
	}
	child, err := e.newInstance(ctx, childDef, token.frame.vars.Flatten(), token)
	if err != nil {
		return err
	}
	token.status = tokenStatusWaitingChild
	token.childInstanceKey = child.key
	e.registerBoundaryTimers(token)

	// 子实例同步推进,要是一口气跑完,会通过父token重入本实例继续
	return e.withInstance(ctx, child.key, func(ctx2 context.Context) error {
		return e.beginInstance(ctx2, child)
	})
}

// onFrameQuiesced 作用域内token归零时的收尾
// 根作用域归零即实例完成,子流程作用域归零向宿主token的完成计数报到
func (e *engineImpl) onFrameQuiesced(ctx context.Context, inst *ProcessInstance, frame *scopeFrame) error {
	if frame.active > 0 {
		return nil
	}
	if len(frame.gatewayBarriers) > 0 {
		// 有汇聚永远等不齐,通常是定义缺陷,实例保持active等人工介入
		slog.Warn("parallel join starved, no tokens left to arrive",
			"instanceKey", inst.key, "processID", inst.def.ProcessID)
		return nil
	}
	if frame.node == nil {
		return e.completeInstance(ctx, inst)
	}

	owner := frame.ownerToken
	if owner.status != tokenStatusWaitingChild || !owner.completionBarrier.arrive() {
		return nil
	}
	owner.completionBarrier = nil
	if err := e.nodeEvent(ctx, inst, frame.node, EventTypeElementCompleted); err != nil {
		return err
	}
	e.clearTimers(owner)
	return e.leaveNode(ctx, inst, owner)
}

func (e *engineImpl) completeInstance(ctx context.Context, inst *ProcessInstance) error {
	inst.status = InstanceStatusCompleted
	err := e.appendEvent(ctx, inst, inst.def.ProcessID, "process", EventTypeInstanceCompleted, nil)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateInstanceStatus(ctx, inst.key, InstanceStatusCompleted, e.now().Unix()); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.instances, inst.key)
	e.mu.Unlock()
	slog.Info("instance completed", "instanceKey", inst.key, "processID", inst.def.ProcessID)

	if inst.parentToken != nil {
		return e.resumeParent(ctx, inst)
	}
	return nil
}

// terminateInstance 强制终止,所有token取消,等待中的job/订阅/定时器一并清理
func (e *engineImpl) terminateInstance(ctx context.Context, inst *ProcessInstance) error {
	inst.status = InstanceStatusTerminated
	for _, t := range snapshotTokens(inst) {
		e.cancelTokenWaits(t)
		e.detachChildInstance(ctx, t)
		inst.retireToken(t)
	}
	inst.runnable = nil

	err := e.appendEvent(ctx, inst, inst.def.ProcessID, "process", EventTypeInstanceTerminated, nil)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateInstanceStatus(ctx, inst.key, InstanceStatusTerminated, e.now().Unix()); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.instances, inst.key)
	e.mu.Unlock()
	slog.Warn("instance terminated", "instanceKey", inst.key, "processID", inst.def.ProcessID)

	if inst.parentToken != nil {
		return e.resumeParent(ctx, inst)
	}
	return nil
}

// resumeParent callActivity子实例结束后恢复父实例中等待的token
func (e *engineImpl) resumeParent(ctx context.Context, child *ProcessInstance) error {
	owner := child.parentToken
	parent := owner.inst
	return e.withInstance(ctx, parent.key, func(ctx2 context.Context) error {
		// 宿主可能已被边界事件中断,childInstanceKey对不上就不是在等这个子实例
		if owner.status != tokenStatusWaitingChild || owner.childInstanceKey != child.key {
			return nil
		}
		owner.childInstanceKey = 0
		if child.status != InstanceStatusCompleted {
			return e.raiseIncident(ctx2, parent, owner,
				fmt.Sprintf("called process terminated: %s", child.def.ProcessID))
		}
		if err := e.nodeEvent(ctx2, parent, owner.node, EventTypeElementCompleted); err != nil {
			return err
		}
		e.clearTimers(owner)
		if err := e.leaveNode(ctx2, parent, owner); err != nil {
			return err
		}
		return e.runToExhaustion(ctx2, parent)
	})
}

func snapshotTokens(inst *ProcessInstance) []*Token {
	ret := make([]*Token, 0, len(inst.tokens))
	for _, t := range inst.tokens {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].key < ret[j].key })
	return ret
}

// resumeToken 阻塞解除(job完成/消息匹配/定时到期),token继续推进到下一个阻塞点
func (e *engineImpl) resumeToken(ctx context.Context, inst *ProcessInstance, token *Token) error {
	if err := e.nodeEvent(ctx, inst, token.node, EventTypeElementCompleted); err != nil {
		return err
	}
	e.clearTimers(token)
	token.status = tokenStatusRunning
	if err := e.leaveNode(ctx, inst, token); err != nil {
		return err
	}
	return e.runToExhaustion(ctx, inst)
}

// interruptToken 中断型边界事件触发,取消宿主token和它名下的一切等待
func (e *engineImpl) interruptToken(ctx context.Context, inst *ProcessInstance, token *Token) error {
	e.cancelTokenWaits(token)
	e.detachChildInstance(ctx, token)

	// 子流程宿主: 作用域内所有子token连带取消,包括停在callActivity上的
	for _, t := range snapshotTokens(inst) {
		if t != token && frameOwnedBy(t.frame, token) {
			e.cancelTokenWaits(t)
			e.detachChildInstance(ctx, t)
			inst.retireToken(t)
		}
	}

	if err := e.nodeEvent(ctx, inst, token.node, EventTypeElementTerminated); err != nil {
		return err
	}
	inst.retireToken(token)
	return nil
}

// detachChildInstance 摘除token与callActivity子实例的关联并登记孤儿
// 摘除后子实例再结束会被resumeParent的校验挡掉,不会误唤醒父token
func (e *engineImpl) detachChildInstance(ctx context.Context, token *Token) {
	if token.childInstanceKey == 0 {
		return
	}
	collectOrphan(ctx, token.childInstanceKey)
	token.childInstanceKey = 0
}

func frameOwnedBy(frame *scopeFrame, owner *Token) bool {
	for f := frame; f != nil; f = f.parent {
		if f.ownerToken == owner {
			return true
		}
	}
	return false
}

// fireTimer 单条定时器触发,在实例锁内重新校验有效性
func (e *engineImpl) fireTimer(ctx context.Context, entry *timerEntry) error {
	if entry.cancelled {
		return nil
	}
	inst := entry.token.inst
	return e.withInstance(ctx, inst.key, func(ctx2 context.Context) error {
		if entry.cancelled || IsOverInstanceStatus(inst.status) {
			return nil
		}
		token := entry.token
		switch entry.kind {
		case timerKindCatch:
			if token.status != tokenStatusWaitingTimer || token.timer != entry {
				return nil
			}
			token.timer = nil
			return e.resumeToken(ctx2, inst, token)
		case timerKindBoundary:
			return e.fireBoundaryTimer(ctx2, inst, token, entry.node)
		default:
			return nil
		}
	})
}

func (e *engineImpl) fireBoundaryTimer(ctx context.Context, inst *ProcessInstance, token *Token, bnode *Node) error {
	// 宿主必须还停在挂载节点上
	switch token.status {
	case tokenStatusWaitingJob, tokenStatusWaitingMessage, tokenStatusWaitingTimer, tokenStatusWaitingChild:
	default:
		return nil
	}

	if bnode.Interrupting {
		if err := e.interruptToken(ctx, inst, token); err != nil {
			return err
		}
	}
	bt := e.newToken(inst, bnode, token.frame)
	inst.addToken(bt)
	inst.pushRunnable(bt)
	return e.runToExhaustion(ctx, inst)
}

func (e *engineImpl) registerBoundaryTimers(token *Token) {
	now := e.now()
	for _, b := range token.node.Boundary {
		if b.BoundaryKind != BoundaryKindTimer {
			continue
		}
		due := now.Add(b.Timer.Duration)
		if b.Timer.HasDate {
			due = b.Timer.Date
		}
		entry := &timerEntry{seq: e.nextSeq(), due: due, kind: timerKindBoundary, token: token, node: b}
		token.boundaryTimers = append(token.boundaryTimers, entry)

		e.mu.Lock()
		e.timers.add(entry)
		e.mu.Unlock()
	}
}

// cancelTokenWaits 清掉token名下的job/消息订阅/全部定时器
func (e *engineImpl) cancelTokenWaits(token *Token) {
	e.mu.Lock()
	if token.jobID != "" {
		e.jobs.remove(token.jobID)
		token.jobID = ""
	}
	if token.sub != nil {
		e.messages.removeByToken(token)
		token.sub = nil
	}
	e.timers.cancelByToken(token)
	e.mu.Unlock()
	token.timer = nil
	token.boundaryTimers = nil
}

// clearTimers token正常离开节点时清掉它挂的定时器(含边界影子定时器)
func (e *engineImpl) clearTimers(token *Token) {
	e.mu.Lock()
	e.timers.cancelByToken(token)
	e.mu.Unlock()
	token.timer = nil
	token.boundaryTimers = nil
}

// raiseIncident token挂起,不再推进,实例其余部分继续运行
func (e *engineImpl) raiseIncident(ctx context.Context, inst *ProcessInstance, token *Token, message string) error {
	e.cancelTokenWaits(token)
	token.status = tokenStatusIncident
	slog.Warn("incident raised", "instanceKey", inst.key, "element", token.node.ID, "message", message)
	return e.appendEvent(ctx, inst, token.node.ID, token.node.Kind, EventTypeIncidentRaised,
		map[string]any{"incident_id": uuid.NewString(), "message": message})
}

// cloneVariables 快照每次激活都发独立副本,worker改自己的不影响重投
func cloneVariables(variables map[string]any) map[string]any {
	ret := make(map[string]any, len(variables))
	for k, v := range variables {
		ret[k] = v
	}
	return ret
}

// mergeTokenVariables 变量合并到token所在作用域,根作用域的变更写variable_set日志
func (e *engineImpl) mergeTokenVariables(ctx context.Context, inst *ProcessInstance, token *Token, variables map[string]any) error {
	if len(variables) == 0 {
		return nil
	}
	token.frame.vars.Merge(variables)
	if token.frame.parent != nil {
		return nil
	}
	for _, name := range sortedKeys(variables) {
		err := e.appendEvent(ctx, inst, token.node.ID, token.node.Kind, EventTypeVariableSet,
			map[string]any{"name": name, "value": variables[name]})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) nodeEvent(ctx context.Context, inst *ProcessInstance, node *Node, eventType EventType) error {
	return e.appendEvent(ctx, inst, node.ID, node.Kind, eventType, nil)
}

func (e *engineImpl) appendEvent(ctx context.Context, inst *ProcessInstance, elementID string, elementType string, eventType EventType, payload any) error {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.WithMessagef(err, "marshal event payload failed, element: %s", elementID)
		}
		raw = b
	}
	e.mu.Lock()
	e.eventSeq++
	seq := e.eventSeq
	now := e.clock
	e.mu.Unlock()

	return e.repo.AppendEvent(ctx, &ElementEventPo{
		Seq:         seq,
		InstanceKey: inst.key,
		ProcessID:   inst.def.ProcessID,
		ElementID:   elementID,
		ElementType: elementType,
		EventType:   eventType,
		Payload:     raw,
		CreatedAt:   now.Unix(),
	})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
