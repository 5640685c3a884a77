package engine

// joinBarrier 到达计数,数齐了才放行
// 并行网关汇聚(静态: 入边数)和子流程/多实例完成(动态: 运行时实例数)共用这一个抽象
type joinBarrier struct {
	expected int
	arrived  int
}

func (b *joinBarrier) arrive() bool {
	b.arrived++
	return b.done()
}

func (b *joinBarrier) done() bool {
	return b.arrived >= b.expected
}

// scopeFrame 执行作用域,根作用域或子流程/多实例子项的作用域
// 持有自己的变量作用域和活跃token计数,token数归零即作用域完成
type scopeFrame struct {
	key    int64
	parent *scopeFrame
	// node 对应的subProcess节点,根作用域为nil
	node *Node
	vars *VariableContext
	// active 作用域内活跃token数,包括正在等待的token
	active int
	// ownerToken 进入子流程时暂停的宿主token,作用域全部完成后由它恢复推进
	ownerToken *Token
	// gatewayBarriers 并行网关汇聚计数,按网关节点ID,每轮汇聚完成后清除
	gatewayBarriers map[string]*joinBarrier
}

func newScopeFrame(key int64, parent *scopeFrame, node *Node, vars *VariableContext) *scopeFrame {
	return &scopeFrame{
		key:             key,
		parent:          parent,
		node:            node,
		vars:            vars,
		gatewayBarriers: make(map[string]*joinBarrier),
	}
}

// Token 执行指针,指向实例图上的一个节点
// 不变式: 活跃token有且只有一个当前节点;阻塞中的token恰好对应一条
// Job/MessageSubscription/TimerInstance/Incident记录
type Token struct {
	key    int64
	inst   *ProcessInstance
	node   *Node
	frame  *scopeFrame
	status tokenStatus
	// jobID 等待中的job,waiting_job时有值
	jobID string
	// sub 等待中的消息订阅,waiting_message时有值
	sub *messageSub
	// timer 等待中的定时捕获,waiting_timer时有值
	timer *timerEntry
	// boundaryTimers 占据带定时边界事件的节点期间挂的影子定时器
	boundaryTimers []*timerEntry
	// completionBarrier 子流程/多实例宿主token的完成计数
	completionBarrier *joinBarrier
	// childInstanceKey callActivity创建的子实例
	childInstanceKey int64
}

// ProcessInstance 流程实例,引擎是唯一的状态修改者
type ProcessInstance struct {
	key       int64
	def       *ProcessDefinition
	status    InstanceStatus
	rootFrame *scopeFrame
	// tokens 活跃token集合,按token key
	tokens map[int64]*Token
	// runnable 本次推进中待执行的token队列,单次外部事件内推进到不动点
	runnable []*Token
	// parentToken callActivity场景下父实例中等待的token,根实例为nil
	parentToken *Token
}

func (inst *ProcessInstance) addToken(t *Token) {
	inst.tokens[t.key] = t
	t.frame.active++
}

// retireToken token退出执行(走到结束/被汇聚吸收/被边界中断)
func (inst *ProcessInstance) retireToken(t *Token) {
	t.status = tokenStatusEnded
	delete(inst.tokens, t.key)
	t.frame.active--
}

func (inst *ProcessInstance) pushRunnable(t *Token) {
	inst.runnable = append(inst.runnable, t)
}

func (inst *ProcessInstance) popRunnable() (*Token, bool) {
	if len(inst.runnable) == 0 {
		return nil, false
	}
	t := inst.runnable[0]
	inst.runnable = inst.runnable[1:]
	return t, true
}

// activeElementIDs 当前活跃(等待中)token所在的节点ID列表
func (inst *ProcessInstance) activeElementIDs() []string {
	ids := make([]string, 0, len(inst.tokens))
	for _, t := range inst.tokens {
		switch t.status {
		case tokenStatusWaitingJob, tokenStatusWaitingMessage, tokenStatusWaitingTimer,
			tokenStatusWaitingChild, tokenStatusIncident:
			ids = append(ids, t.node.ID)
		}
	}
	return ids
}
