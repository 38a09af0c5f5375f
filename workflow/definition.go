package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var delegates = sync.Map{} // delegate name -> Delegate

// ProcessConfig 流程配置, 支持 YAML 和 JSON
type ProcessConfig struct {
	Key   string        `json:"key" yaml:"key" validate:"required"`   // 流程key, 唯一标识, 启动流程时使用
	Name  string        `json:"name" yaml:"name"`                     // 流程名称
	Nodes []*NodeConfig `json:"nodes" yaml:"nodes" validate:"required,min=2,dive,required"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	ID       string        `json:"id" yaml:"id" validate:"required"`
	Name     string        `json:"name" yaml:"name"`
	Type     NodeType      `json:"type" yaml:"type" validate:"required,oneof=start_event end_event user_task service_task exclusive_gateway"`
	Delegate string        `json:"delegate" yaml:"delegate" validate:"required_if=Type service_task"` // 服务任务的委托名称
	Assignee string        `json:"assignee" yaml:"assignee"`                                         // 用户任务的处理人/组
	Outgoing []*FlowConfig `json:"outgoing" yaml:"outgoing" validate:"dive,required"`
}

// FlowConfig 连线配置, condition 为空表示默认连线
type FlowConfig struct {
	Target    string           `json:"target" yaml:"target" validate:"required"`
	Condition *ConditionConfig `json:"condition" yaml:"condition"`
}

type ConditionConfig struct {
	Variable string `json:"variable" yaml:"variable" validate:"required"`
	Equals   any    `json:"equals" yaml:"equals"`
}

// ProcessDefinition 流程定义entity, 部署之后生成
type ProcessDefinition struct {
	ID           int64
	DeploymentID int64
	Key          string
	Name         string
	Version      int64
	StartNode    *NodeDefinition
	Nodes        []*NodeDefinition // 按配置顺序
	nodeMap      map[string]*NodeDefinition
}

// NodeDefinition 节点定义entity
type NodeDefinition struct {
	ID       string
	Name     string
	Type     NodeType
	Delegate string
	Assignee string
	Outgoing []*SequenceFlow
}

// SequenceFlow 连线
type SequenceFlow struct {
	Target    *NodeDefinition
	Condition *ConditionConfig
}

func (d *ProcessDefinition) GetNode(id string) (*NodeDefinition, bool) {
	node, ok := d.nodeMap[id]
	return node, ok
}

// Delegate 服务任务的执行器,需要外部实现
type Delegate interface {
	/**
	 * @description: 服务任务执行
	 * @param ctx context.Context 上下文
	 * @param execution *DelegateExecution 当前执行, 修改 execution.Variables 会写回流程变量
	 * @return error 非nil时整个操作回滚
	 */
	Execute(ctx context.Context, execution *DelegateExecution) error
}

type DelegateFunc func(ctx context.Context, execution *DelegateExecution) error

func (f DelegateFunc) Execute(ctx context.Context, execution *DelegateExecution) error {
	return f(ctx, execution)
}

// DelegateExecution 委托执行时可见的流程信息
type DelegateExecution struct {
	ProcessInstanceID int64
	ProcessKey        string
	NodeID            string
	BusinessKey       string
	Variables         *Variables

	logger *slog.Logger
}

// Logger 执行委托的引擎所用的日志, 没有引擎时使用 slog.Default()
func (e *DelegateExecution) Logger() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

func (e *DelegateExecution) SetVariable(key string, value any) {
	e.Variables.Put(key, value)
}

func (e *DelegateExecution) GetVariable(key string) (any, bool) {
	return e.Variables.Get(key)
}

/*
*
  - @description: 注册服务任务委托, 同名只能注册一次
  - @param name string 委托名称, 对应节点配置的 delegate
  - @param delegate Delegate
  - @return error
*/
func RegisterDelegate(name string, delegate Delegate) error {
	if name == "" {
		return errors.WithMessage(ErrProcessParamInvalid, "delegate name is empty")
	}
	if delegate == nil {
		return errors.WithMessage(ErrProcessParamInvalid, "delegate is nil")
	}
	if _, loaded := delegates.LoadOrStore(name, delegate); loaded {
		return errors.WithMessagef(ErrDelegateAlreadyRegistered, "delegate: %s", name)
	}
	return nil
}

func getDelegate(name string) (Delegate, bool) {
	i, ok := delegates.Load(name)
	if !ok {
		return nil, false
	}
	delegate, ok := i.(Delegate)
	return delegate, ok
}

// ParseProcessConfig 解析流程配置, JSON 是 YAML 的子集, 两种格式都可以
func ParseProcessConfig(b []byte) (*ProcessConfig, error) {
	config := &ProcessConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Wrapf(ErrProcessConfigInvalid, "unmarshal process config failed, err: %v", err)
	}
	return config, nil
}

/*
*
  - @description: 检查配置并构建流程定义
    委托在执行时才查找, 部署和注册委托可以不在同一个进程里面
  - @param config *ProcessConfig
  - @return *ProcessDefinition, error
*/
func BuildProcessDefinition(config *ProcessConfig) (*ProcessDefinition, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrProcessConfigInvalid, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrProcessConfigInvalid, "key: %s, err: %v", config.Key, err)
	}
	definition := &ProcessDefinition{
		Key:     config.Key,
		Name:    config.Name,
		Nodes:   make([]*NodeDefinition, 0, len(config.Nodes)),
		nodeMap: make(map[string]*NodeDefinition, len(config.Nodes)),
	}
	endCount := 0
	for _, node := range config.Nodes {
		if _, ok := definition.nodeMap[node.ID]; ok {
			return nil, errors.WithMessagef(ErrProcessConfigInvalid, "duplicate node id: %s", node.ID)
		}
		nodeDefinition := &NodeDefinition{
			ID:       node.ID,
			Name:     node.Name,
			Type:     node.Type,
			Delegate: node.Delegate,
			Assignee: node.Assignee,
			Outgoing: make([]*SequenceFlow, 0, len(node.Outgoing)),
		}
		switch node.Type {
		case NodeTypeStartEvent:
			if definition.StartNode != nil {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "more than one start event: %s, %s", definition.StartNode.ID, node.ID)
			}
			definition.StartNode = nodeDefinition
		case NodeTypeEndEvent:
			endCount++
		}
		definition.nodeMap[node.ID] = nodeDefinition
		definition.Nodes = append(definition.Nodes, nodeDefinition)
	}
	if definition.StartNode == nil {
		return nil, errors.WithMessage(ErrProcessConfigInvalid, "start event not found")
	}
	if endCount == 0 {
		return nil, errors.WithMessage(ErrProcessConfigInvalid, "end event not found")
	}

	// 连线
	for _, node := range config.Nodes {
		nodeDefinition := definition.nodeMap[node.ID]
		for _, flow := range node.Outgoing {
			target, ok := definition.nodeMap[flow.Target]
			if !ok {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "node %s target %s not found", node.ID, flow.Target)
			}
			if target.Type == NodeTypeStartEvent {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "node %s can not flow to start event", node.ID)
			}
			if flow.Condition != nil && node.Type != NodeTypeExclusiveGateway {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "node %s: only exclusive gateway can have conditions", node.ID)
			}
			nodeDefinition.Outgoing = append(nodeDefinition.Outgoing, &SequenceFlow{
				Target:    target,
				Condition: flow.Condition,
			})
		}
		switch node.Type {
		case NodeTypeEndEvent:
			if len(nodeDefinition.Outgoing) != 0 {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "end event %s has outgoing flows", node.ID)
			}
		case NodeTypeExclusiveGateway:
			if len(nodeDefinition.Outgoing) == 0 {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "gateway %s has no outgoing flows", node.ID)
			}
		default:
			if len(nodeDefinition.Outgoing) != 1 {
				return nil, errors.WithMessagef(ErrProcessConfigInvalid, "node %s must have exactly one outgoing flow, got %d", node.ID, len(nodeDefinition.Outgoing))
			}
		}
	}

	for _, node := range definition.Nodes {
		if err := visitAutomaticNodes(node, make(map[string]bool)); err != nil {
			return nil, errors.WithMessagef(err, "check cycle failed, key: %s", config.Key)
		}
	}
	return definition, nil
}

// visitAutomaticNodes 检查不经过用户任务的环, 这种环会让流程一直执行下去
// 用户任务会让执行停下来, 所以遇到用户任务就不再往下走
func visitAutomaticNodes(node *NodeDefinition, visiting map[string]bool) error {
	if visiting[node.ID] {
		return errors.WithMessagef(ErrProcessConfigInvalid, "node %s is in a cycle without user task", node.ID)
	}
	visiting[node.ID] = true
	for _, flow := range node.Outgoing {
		if flow.Target.Type == NodeTypeUserTask {
			continue
		}
		if err := visitAutomaticNodes(flow.Target, visiting); err != nil {
			return err
		}
	}
	visiting[node.ID] = false
	return nil
}

// nextNode 选择下一个节点
// 网关: 第一个条件满足的连线, 都不满足时走默认连线(没有条件的)
func nextNode(node *NodeDefinition, variables *Variables) (*NodeDefinition, error) {
	if node.Type != NodeTypeExclusiveGateway {
		if len(node.Outgoing) == 0 {
			return nil, errors.WithMessagef(ErrNoOutgoingFlow, "node: %s", node.ID)
		}
		return node.Outgoing[0].Target, nil
	}
	var defaultFlow *SequenceFlow
	for _, flow := range node.Outgoing {
		if flow.Condition == nil {
			if defaultFlow == nil {
				defaultFlow = flow
			}
			continue
		}
		if variables.Matches(flow.Condition.Variable, flow.Condition.Equals) {
			return flow.Target, nil
		}
	}
	if defaultFlow != nil {
		return defaultFlow.Target, nil
	}
	return nil, errors.WithMessagef(ErrNoOutgoingFlow, "gateway: %s, variables: %s", node.ID, fmt.Sprint(variables.ToMap()))
}
