package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefinitionConfig 流程定义配置,部署的输入
// 图形化建模/BPMN解析不在本库范围内,这里接收的是已经解析好的有向图
type DefinitionConfig struct {
	ID    string        `json:"id" yaml:"id" validate:"required"`
	Name  string        `json:"name" yaml:"name"`
	Nodes []*NodeConfig `json:"nodes" yaml:"nodes" validate:"required,dive,required"`
	Flows []*FlowConfig `json:"flows" yaml:"flows" validate:"dive,required"`
}

// NodeConfig 节点定义配置
type NodeConfig struct {
	ID   string   `json:"id" yaml:"id" validate:"required"`
	Name string   `json:"name" yaml:"name"`
	Type NodeKind `json:"type" yaml:"type" validate:"required"`
	// serviceTask的jobType,userTask不需要填,统一用保留类型JobTypeUserTask
	JobType string `json:"job_type" yaml:"job_type"`
	// 消息启动事件/消息捕获事件
	Message *MessageConfig `json:"message" yaml:"message"`
	// 定时捕获事件/定时边界事件
	Timer *TimerConfig `json:"timer" yaml:"timer"`
	// 错误边界事件
	Error *ErrorConfig `json:"error" yaml:"error"`
	// 边界事件挂载的活动节点ID
	AttachedTo string `json:"attached_to" yaml:"attached_to"`
	// 边界事件是否中断被挂载的活动,默认中断
	Interrupting *bool `json:"interrupting" yaml:"interrupting"`
	// callActivity调用的流程ID
	CalledProcessID string `json:"called_process_id" yaml:"called_process_id"`
	// subProcess的多实例配置,为空则是普通内嵌子流程
	MultiInstance *MultiInstanceConfig `json:"multi_instance" yaml:"multi_instance"`
	// subProcess的内部图
	Body *BodyConfig `json:"body" yaml:"body"`
}

type BodyConfig struct {
	Nodes []*NodeConfig `json:"nodes" yaml:"nodes" validate:"required,dive,required"`
	Flows []*FlowConfig `json:"flows" yaml:"flows" validate:"dive,required"`
}

type MessageConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	// 相关键表达式,基于token变量求值
	// 为空表示无键,保留给消息启动事件使用
	CorrelationKey string `json:"correlation_key" yaml:"correlation_key"`
}

type TimerConfig struct {
	// Duration 持续时间,Go duration格式,例如 "24h"
	Duration string `json:"duration" yaml:"duration"`
	// Date 绝对时间,RFC3339格式,和Duration二选一
	Date string `json:"date" yaml:"date"`
}

type ErrorConfig struct {
	// Code 匹配的错误码,为空表示捕获所有错误
	Code string `json:"code" yaml:"code"`
}

type MultiInstanceConfig struct {
	// InputCollection 输入集合表达式,求值得到有序列表,每个元素生成一个子实例
	InputCollection string `json:"input_collection" yaml:"input_collection"`
	// LoopCardinality 固定实例数,和InputCollection二选一
	LoopCardinality int64 `json:"loop_cardinality" yaml:"loop_cardinality"`
	// ItemVar 子实例作用域里暴露集合元素的变量名,默认 "item"
	ItemVar string `json:"item_var" yaml:"item_var"`
}

type FlowConfig struct {
	ID   string `json:"id" yaml:"id"`
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
	// Condition 条件表达式,只对排他网关出口有意义,按声明顺序求值
	Condition string `json:"condition" yaml:"condition"`
	// Default 默认流,所有条件都不满足时走这条
	Default bool `json:"default" yaml:"default"`
}

// ParseDefinitionJSON 从JSON字节解析流程定义配置
func ParseDefinitionJSON(b []byte) (*DefinitionConfig, error) {
	config := &DefinitionConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, err.Error())
	}
	return config, nil
}

// ParseDefinitionYAML 从YAML字节解析流程定义配置
func ParseDefinitionYAML(b []byte) (*DefinitionConfig, error) {
	config := &DefinitionConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, err.Error())
	}
	return config, nil
}

// DefinitionMeta 部署结果,id+版本
type DefinitionMeta struct {
	ProcessID string `json:"process_id"`
	Version   int64  `json:"version"`
}

// ProcessDefinition 解析后的不可变流程定义,同版本的所有实例只读共享
type ProcessDefinition struct {
	ProcessID   string
	Version     int64
	Name        string
	contentHash string
	Graph       *flowGraph
}

// flowGraph 有向图,根图或子流程内部图
type flowGraph struct {
	nodes map[string]*Node
	start *Node
}

// Node 解析后的节点,boundary节点不在主流转路径上,通过宿主节点的Boundary引用
type Node struct {
	ID              string
	Name            string
	Kind            NodeKind
	JobType         string
	Message         *MessageSpec
	Timer           *TimerSpec
	BoundaryKind    BoundaryKind
	ErrorCode       string
	Interrupting    bool
	CalledProcessID string
	Multi           *MultiInstanceSpec
	Body            *flowGraph
	Outgoing        []*Flow
	Incoming        []*Flow
	Boundary        []*Node
	DefaultFlow     *Flow
}

type MessageSpec struct {
	Name           string
	CorrelationKey *expression // nil表示无键
}

type TimerSpec struct {
	Duration time.Duration
	Date     time.Time
	HasDate  bool
}

type MultiInstanceSpec struct {
	Collection  *expression // nil时用Cardinality
	Cardinality int64
	ItemVar     string
}

type Flow struct {
	ID        string
	From      *Node
	To        *Node
	Condition *expression
	IsDefault bool
}

// buildGraph 把节点/流配置构建成图,递归处理子流程body
func buildGraph(nodeConfigs []*NodeConfig, flowConfigs []*FlowConfig) (*flowGraph, error) {
	graph := &flowGraph{nodes: make(map[string]*Node)}
	for _, nc := range nodeConfigs {
		if _, ok := graph.nodes[nc.ID]; ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "duplicate node id: %s", nc.ID)
		}
		node, err := buildNode(nc)
		if err != nil {
			return nil, err
		}
		graph.nodes[nc.ID] = node
	}

	// 挂载顺序流
	for _, fc := range flowConfigs {
		from, ok := graph.nodes[fc.From]
		if !ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "flow from unknown node: %s", fc.From)
		}
		to, ok := graph.nodes[fc.To]
		if !ok {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "flow to unknown node: %s", fc.To)
		}
		flow := &Flow{ID: fc.ID, From: from, To: to, IsDefault: fc.Default}
		if fc.Condition != "" {
			expr, err := parseExpression(fc.Condition)
			if err != nil {
				return nil, errors.WithMessagef(err, "flow %s->%s", fc.From, fc.To)
			}
			flow.Condition = expr
		}
		from.Outgoing = append(from.Outgoing, flow)
		to.Incoming = append(to.Incoming, flow)
		if flow.IsDefault {
			if from.DefaultFlow != nil {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s has multiple default flows", from.ID)
			}
			from.DefaultFlow = flow
		}
	}

	// 挂载边界事件并找到开始节点
	for _, nc := range nodeConfigs {
		node := graph.nodes[nc.ID]
		if node.Kind == NodeKindBoundary {
			host, ok := graph.nodes[nc.AttachedTo]
			if !ok {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "boundary %s attached to unknown node: %s", nc.ID, nc.AttachedTo)
			}
			host.Boundary = append(host.Boundary, node)
			continue
		}
		if node.Kind == NodeKindStart {
			if graph.start != nil {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "multiple start nodes: %s and %s", graph.start.ID, node.ID)
			}
			graph.start = node
		}
	}
	if graph.start == nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, "no start node")
	}
	return graph, nil
}

func buildNode(nc *NodeConfig) (*Node, error) {
	node := &Node{
		ID:              nc.ID,
		Name:            nc.Name,
		Kind:            nc.Type,
		JobType:         nc.JobType,
		CalledProcessID: nc.CalledProcessID,
		Interrupting:    true,
	}
	if nc.Interrupting != nil {
		node.Interrupting = *nc.Interrupting
	}

	switch nc.Type {
	case NodeKindUserTask:
		node.JobType = JobTypeUserTask
	case NodeKindServiceTask:
		if nc.JobType == "" {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "serviceTask %s needs job_type", nc.ID)
		}
	case NodeKindMessageCatch, NodeKindStart:
		if nc.Message != nil {
			spec := &MessageSpec{Name: nc.Message.Name}
			if nc.Message.CorrelationKey != "" {
				expr, err := parseExpression(nc.Message.CorrelationKey)
				if err != nil {
					return nil, errors.WithMessagef(err, "node %s correlation key", nc.ID)
				}
				spec.CorrelationKey = expr
			}
			node.Message = spec
		} else if nc.Type == NodeKindMessageCatch {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "messageCatch %s needs message", nc.ID)
		}
	case NodeKindTimerCatch:
		spec, err := buildTimerSpec(nc)
		if err != nil {
			return nil, err
		}
		node.Timer = spec
	case NodeKindBoundary:
		if nc.AttachedTo == "" {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "boundary %s needs attached_to", nc.ID)
		}
		switch {
		case nc.Timer != nil:
			spec, err := buildTimerSpec(nc)
			if err != nil {
				return nil, err
			}
			node.Timer = spec
			node.BoundaryKind = BoundaryKindTimer
		case nc.Error != nil:
			node.ErrorCode = nc.Error.Code
			node.BoundaryKind = BoundaryKindError
		default:
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "boundary %s needs timer or error", nc.ID)
		}
	case NodeKindSubProcess:
		if nc.Body == nil {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "subProcess %s needs body", nc.ID)
		}
		body, err := buildGraph(nc.Body.Nodes, nc.Body.Flows)
		if err != nil {
			return nil, errors.WithMessagef(err, "subProcess %s body", nc.ID)
		}
		node.Body = body
		if nc.MultiInstance != nil {
			multi := &MultiInstanceSpec{
				Cardinality: nc.MultiInstance.LoopCardinality,
				ItemVar:     nc.MultiInstance.ItemVar,
			}
			if multi.ItemVar == "" {
				multi.ItemVar = "item"
			}
			if nc.MultiInstance.InputCollection != "" {
				expr, err := parseExpression(nc.MultiInstance.InputCollection)
				if err != nil {
					return nil, errors.WithMessagef(err, "subProcess %s input collection", nc.ID)
				}
				multi.Collection = expr
			} else if multi.Cardinality <= 0 {
				return nil, errors.WithMessagef(ErrDefinitionInvalid, "subProcess %s multi instance needs input_collection or loop_cardinality", nc.ID)
			}
			node.Multi = multi
		}
	case NodeKindCallActivity:
		if nc.CalledProcessID == "" {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "callActivity %s needs called_process_id", nc.ID)
		}
	case NodeKindEnd, NodeKindParallelGateway, NodeKindExclusiveGateway:
		// 无额外配置
	default:
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s has unknown type: %s", nc.ID, nc.Type)
	}
	return node, nil
}

func buildTimerSpec(nc *NodeConfig) (*TimerSpec, error) {
	if nc.Timer == nil {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s needs timer", nc.ID)
	}
	if nc.Timer.Date != "" {
		date, err := time.Parse(time.RFC3339, nc.Timer.Date)
		if err != nil {
			return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s timer date: %v", nc.ID, err)
		}
		return &TimerSpec{Date: date, HasDate: true}, nil
	}
	duration, err := time.ParseDuration(nc.Timer.Duration)
	if err != nil || duration <= 0 {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s timer duration %q invalid", nc.ID, nc.Timer.Duration)
	}
	return &TimerSpec{Duration: duration}, nil
}

// definitionStore 流程定义存储,按id+版本存放,部署对相同内容幂等
type definitionStore struct {
	mu   sync.RWMutex
	byID map[string][]*ProcessDefinition // 下标+1即版本号
	// 消息启动事件绑定: 消息名 -> processID,相关联的消息没有订阅者时用来创建新实例
	msgStart map[string]string
}

func newDefinitionStore() *definitionStore {
	return &definitionStore{
		byID:     make(map[string][]*ProcessDefinition),
		msgStart: make(map[string]string),
	}
}

func (s *definitionStore) deploy(config *DefinitionConfig) (*DefinitionMeta, error) {
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "deploy failed, config: %v, err: %v", config.ID, err)
	}
	graph, err := buildGraph(config.Nodes, config.Flows)
	if err != nil {
		return nil, errors.WithMessagef(err, "deploy %s failed", config.ID)
	}

	// 内容hash做幂等,相同内容重复部署返回已有版本
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "marshal config %s failed: %v", config.ID, err)
	}
	sum := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byID[config.ID]
	if len(versions) > 0 && versions[len(versions)-1].contentHash == contentHash {
		latest := versions[len(versions)-1]
		return &DefinitionMeta{ProcessID: latest.ProcessID, Version: latest.Version}, nil
	}

	def := &ProcessDefinition{
		ProcessID:   config.ID,
		Version:     int64(len(versions)) + 1,
		Name:        config.Name,
		contentHash: contentHash,
		Graph:       graph,
	}
	s.byID[config.ID] = append(versions, def)
	if graph.start.Message != nil {
		s.msgStart[graph.start.Message.Name] = config.ID
	}
	return &DefinitionMeta{ProcessID: def.ProcessID, Version: def.Version}, nil
}

// get version<=0 表示取最新版本
func (s *definitionStore) get(processID string, version int64) (*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byID[processID]
	if len(versions) == 0 {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "processID: %s", processID)
	}
	if version <= 0 {
		return versions[len(versions)-1], nil
	}
	if version > int64(len(versions)) {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "processID: %s, version: %d", processID, version)
	}
	return versions[version-1], nil
}

// byMessageStart 查找绑定了该消息启动事件的流程定义(最新版本)
func (s *definitionStore) byMessageStart(messageName string) (*ProcessDefinition, bool) {
	s.mu.RLock()
	processID, ok := s.msgStart[messageName]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	def, err := s.get(processID, 0)
	if err != nil {
		return nil, false
	}
	return def, true
}
