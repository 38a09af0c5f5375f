package workflow

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var processEngines = sync.Map{} // engine name -> *ProcessEngine

const (
	defaultLockTimeout = 10 * time.Minute
	defaultMaxSteps    = 1000
)

// ProcessEngine 流程引擎, 持有仓库和锁, 对外提供三个服务
type ProcessEngine struct {
	name        string
	repo        ProcessRepo
	lock        InstanceLock
	metrics     *Metrics
	logger      *slog.Logger
	lockTimeout time.Duration
	maxSteps    int

	definitions sync.Map // process definition id -> *ProcessDefinition

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

type EngineOption func(e *ProcessEngine)

func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *ProcessEngine) {
		e.metrics = metrics
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *ProcessEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLockTimeout 单次推进流程实例持有锁的最长时间
func WithLockTimeout(timeout time.Duration) EngineOption {
	return func(e *ProcessEngine) {
		if timeout > 0 {
			e.lockTimeout = timeout
		}
	}
}

// WithMaxSteps 一次推进最多经过的节点数, 防止定义错误导致死循环
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *ProcessEngine) {
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
	}
}

/*
*
  - @description: 创建流程引擎并注册到进程级别的注册表, 同名引擎只能存在一个
  - @param name string 引擎名称
  - @param repo ProcessRepo 仓库
  - @param lock InstanceLock 流程实例锁
  - @return *ProcessEngine, error
*/
func NewProcessEngine(name string, repo ProcessRepo, lock InstanceLock, opts ...EngineOption) (*ProcessEngine, error) {
	if name == "" || repo == nil || lock == nil {
		return nil, errors.WithMessage(ErrProcessParamInvalid, "name, repo and lock are required")
	}
	e := &ProcessEngine{
		name:        name,
		repo:        repo,
		lock:        lock,
		logger:      slog.Default(),
		lockTimeout: defaultLockTimeout,
		maxSteps:    defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, loaded := processEngines.LoadOrStore(name, e); loaded {
		return nil, errors.WithMessagef(ErrProcessEngineAlreadyRegistered, "name: %s", name)
	}
	e.logger.Info("process engine created", "engine", name)
	return e, nil
}

func GetProcessEngine(name string) (*ProcessEngine, bool) {
	i, ok := processEngines.Load(name)
	if !ok {
		return nil, false
	}
	e, ok := i.(*ProcessEngine)
	return e, ok
}

// ProcessEngineNames 已注册的引擎, 按名称排序
func ProcessEngineNames() []string {
	names := make([]string, 0)
	processEngines.Range(func(key, value any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// DestroyProcessEngines 关闭所有已注册的引擎, 没有引擎时什么也不做
func DestroyProcessEngines() error {
	errs := make([]error, 0)
	for _, name := range ProcessEngineNames() {
		e, ok := GetProcessEngine(name)
		if !ok {
			continue
		}
		if err := e.Close(); err != nil {
			errs = append(errs, errors.WithMessagef(err, "close process engine %s failed", name))
		}
	}
	return goerrors.Join(errs...)
}

func (e *ProcessEngine) Name() string {
	return e.name
}

// Close 拒绝新的操作, 等待正在执行的操作结束, 然后从注册表移除, 可以重复调用
func (e *ProcessEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	processEngines.CompareAndDelete(e.name, e)
	e.definitions.Clear()
	e.logger.Info("process engine closed", "engine", e.name)
	return nil
}

func (e *ProcessEngine) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// begin 每个对外操作开始时调用, 返回的函数在操作结束时调用
func (e *ProcessEngine) begin() (func(), error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errors.WithMessagef(ErrProcessEngineClosed, "engine: %s", e.name)
	}
	e.inflight.Add(1)
	return e.inflight.Done, nil
}

func (e *ProcessEngine) RepositoryService() RepositoryService {
	return &repositoryService{engine: e}
}

func (e *ProcessEngine) RuntimeService() RuntimeService {
	return &runtimeService{engine: e}
}

func (e *ProcessEngine) TaskService() TaskService {
	return &taskService{engine: e}
}

func processInstanceLockKey(processInstanceID int64) string {
	return fmt.Sprintf("process_instance_execute_%d", processInstanceID)
}

// loadDefinition 先从缓存取, 缓存没有时从部署资源重新构建
func (e *ProcessEngine) loadDefinition(ctx context.Context, po *ProcessDefinitionPo) (*ProcessDefinition, error) {
	if i, ok := e.definitions.Load(po.ID); ok {
		return i.(*ProcessDefinition), nil
	}
	deployments, err := e.repo.QueryDeployment(ctx, &QueryDeploymentParams{
		DeploymentID: &po.DeploymentID,
		Page:         &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryDeployment failed, deploymentID: %d", po.DeploymentID)
	}
	if len(deployments) == 0 {
		return nil, errors.WithMessagef(ErrDeploymentNotFound, "deploymentID: %d", po.DeploymentID)
	}
	config, err := ParseProcessConfig(deployments[0].Resource)
	if err != nil {
		return nil, errors.WithMessagef(err, "ParseProcessConfig failed, deploymentID: %d", po.DeploymentID)
	}
	definition, err := BuildProcessDefinition(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "BuildProcessDefinition failed, deploymentID: %d", po.DeploymentID)
	}
	definition.ID = po.ID
	definition.DeploymentID = po.DeploymentID
	definition.Version = po.Version
	e.definitions.Store(po.ID, definition)
	return definition, nil
}

func (e *ProcessEngine) getDefinitionByID(ctx context.Context, processDefinitionID int64) (*ProcessDefinition, error) {
	if i, ok := e.definitions.Load(processDefinitionID); ok {
		return i.(*ProcessDefinition), nil
	}
	pos, err := e.repo.QueryProcessDefinition(ctx, &QueryProcessDefinitionParams{
		ProcessDefinitionID: &processDefinitionID,
		Page:                &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcessDefinition failed, processDefinitionID: %d", processDefinitionID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessDefinitionNotFound, "processDefinitionID: %d", processDefinitionID)
	}
	return e.loadDefinition(ctx, pos[0])
}

/*
*
  - @description: 从 node 开始推进流程实例, 直到遇到用户任务或者结束节点
    调用方需要持有实例锁并且在事务中
  - @return completed bool 是否走到了结束节点
*/
func (e *ProcessEngine) advance(ctx context.Context, definition *ProcessDefinition, instance *ProcessInstancePo, variables *Variables, node *NodeDefinition) (completed bool, err error) {
	for steps := 0; ; steps++ {
		if steps >= e.maxSteps {
			return false, errors.WithMessagef(ErrProcessInstanceExecutionTooLong, "processInstanceID: %d, node: %s", instance.ID, node.ID)
		}
		switch node.Type {
		case NodeTypeServiceTask:
			if err := e.runDelegate(ctx, definition, instance, node, variables); err != nil {
				return false, errors.WithMessagef(err, "runDelegate failed, processInstanceID: %d, node: %s", instance.ID, node.ID)
			}
		case NodeTypeUserTask:
			_, err := e.repo.CreateTask(ctx, &TaskPo{
				ProcessInstanceID: instance.ID,
				NodeID:            node.ID,
				Name:              node.Name,
				Assignee:          node.Assignee,
				Status:            TaskStatusCreated,
			})
			if err != nil {
				return false, errors.WithMessagef(err, "CreateTask failed, processInstanceID: %d, node: %s", instance.ID, node.ID)
			}
			return false, e.saveInstance(ctx, instance, variables, node.ID, false)
		case NodeTypeEndEvent:
			return true, e.saveInstance(ctx, instance, variables, node.ID, true)
		}
		node, err = nextNode(node, variables)
		if err != nil {
			return false, errors.WithMessagef(err, "nextNode failed, processInstanceID: %d", instance.ID)
		}
	}
}

func (e *ProcessEngine) saveInstance(ctx context.Context, instance *ProcessInstancePo, variables *Variables, currentNodeID string, completed bool) error {
	fields := &UpdateProcessInstanceField{
		Variables:     variables,
		CurrentNodeID: String(currentNodeID),
	}
	if completed {
		fields.Status = String(ProcessInstanceStatusCompleted)
		fields.EndedAt = Int64(time.Now().Unix())
	}
	err := e.repo.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{
		Where: &UpdateProcessInstanceWhere{
			IDIn:     []int64{instance.ID},
			StatusIn: []string{ProcessInstanceStatusRunning},
		},
		Fields:   fields,
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateProcessInstance failed, processInstanceID: %d", instance.ID)
	}
	instance.CurrentNodeID = currentNodeID
	instance.Variables = variables.ToBytesWithoutError()
	if completed {
		instance.Status = ProcessInstanceStatusCompleted
		instance.EndedAt = *fields.EndedAt
	}
	return nil
}

func (e *ProcessEngine) runDelegate(ctx context.Context, definition *ProcessDefinition, instance *ProcessInstancePo, node *NodeDefinition, variables *Variables) (err error) {
	delegate, ok := getDelegate(node.Delegate)
	if !ok {
		return errors.WithMessagef(ErrDelegateNotFound, "delegate: %s, node: %s", node.Delegate, node.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "delegate panic",
				"processInstanceID", instance.ID,
				"node", node.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = errors.WithMessagef(ErrDelegateExecutionPanic, "delegate: %s, panic: %v", node.Delegate, r)
		}
	}()
	return delegate.Execute(ctx, &DelegateExecution{
		ProcessInstanceID: instance.ID,
		ProcessKey:        definition.Key,
		NodeID:            node.ID,
		BusinessKey:       instance.BusinessKey,
		Variables:         variables,
		logger:            e.logger,
	})
}
