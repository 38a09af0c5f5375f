package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type RepositoryService interface {
	/**
	 * @description: 部署流程, 同一个 key 每部署一次版本加一
	 * @param ctx context.Context
	 * @param req *CreateDeploymentReq
	 * @return *Deployment, error
	 */
	CreateDeployment(ctx context.Context, req *CreateDeploymentReq) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)
	/**
	 * @description: 删除部署以及部署下的流程定义
	 *				 cascade 为 false 时, 有运行中的流程实例会返回 ErrDeploymentHasRunningInstances
	 *				 cascade 为 true 时, 运行中的流程实例和任务一起删除
	 * @param ctx context.Context
	 * @param deploymentID int64
	 * @param cascade bool
	 * @return error
	 */
	DeleteDeployment(ctx context.Context, deploymentID int64, cascade bool) error
	GetProcessDefinitionByDeployment(ctx context.Context, deploymentID int64) (*ProcessDefinition, error)
	GetLatestProcessDefinition(ctx context.Context, processKey string) (*ProcessDefinition, error)
}

type RuntimeService interface {
	/**
	 * @description: 按 key 启动最新版本的流程, 同步推进到第一个用户任务或者结束
	 * @param ctx context.Context
	 * @param req *StartProcessInstanceReq
	 * @return *ProcessInstance, error
	 */
	StartProcessInstanceByKey(ctx context.Context, req *StartProcessInstanceReq) (*ProcessInstance, error)
	GetProcessInstance(ctx context.Context, processInstanceID int64) (*ProcessInstance, error)
	ListProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstance, error)
	GetVariables(ctx context.Context, processInstanceID int64) (*Variables, error)
	/**
	 * @description: 批量删除流程实例, 重复的 id 只处理一次, 已经结束的实例跳过
	 *				 一个流程实例只会被一个goroutine操作, 其他goroutine正在操作时返回 ErrLockFailed
	 * @param ctx context.Context
	 * @param processInstanceIDs []int64
	 * @param reason string 删除原因
	 * @return error
	 */
	BulkDeleteProcessInstances(ctx context.Context, processInstanceIDs []int64, reason string) error
}

type TaskService interface {
	/**
	 * @description: 查询任务, params.Page 为空时不分页
	 *				 params.IncludeProcessVariables 为 true 时带上流程变量
	 */
	ListTasks(ctx context.Context, params *QueryTaskParams) ([]*Task, error)
	/**
	 * @description: 完成用户任务, variables 合并到流程变量之后继续推进流程
	 * @param ctx context.Context
	 * @param taskID int64
	 * @param variables map[string]any 可以为空
	 * @return error
	 */
	CompleteTask(ctx context.Context, taskID int64, variables map[string]any) error
}

type CreateDeploymentReq struct {
	Name         string `validate:"required"`
	ResourceName string
	Resource     []byte `validate:"required"` // 流程配置, YAML 或 JSON
}

type StartProcessInstanceReq struct {
	ProcessKey  string         `validate:"required"`
	BusinessKey string         // 业务ID
	Variables   map[string]any // 初始变量,可以为空
}

type Deployment struct {
	ID           int64
	Name         string
	ResourceName string
	DeployedAt   int64
}

type ProcessInstance struct {
	ID                  int64
	ProcessDefinitionID int64
	ProcessKey          string
	BusinessKey         string
	Status              ProcessInstanceStatus
	CurrentNodeID       string
	DeleteReason        string
	Variables           *Variables
	CreatedAt           int64
	UpdatedAt           int64
	EndedAt             int64
}

type Task struct {
	ID                int64
	ProcessInstanceID int64
	NodeID            string
	Name              string
	Assignee          string
	Status            TaskStatus
	CreatedAt         int64
	CompletedAt       int64
	ProcessVariables  *Variables // 只有 IncludeProcessVariables 时有值
}

func newDeployment(po *DeploymentPo) *Deployment {
	return &Deployment{
		ID:           po.ID,
		Name:         po.Name,
		ResourceName: po.ResourceName,
		DeployedAt:   po.DeployedAt,
	}
}

func newProcessInstance(po *ProcessInstancePo) *ProcessInstance {
	return &ProcessInstance{
		ID:                  po.ID,
		ProcessDefinitionID: po.ProcessDefinitionID,
		ProcessKey:          po.ProcessKey,
		BusinessKey:         po.BusinessKey,
		Status:              po.Status,
		CurrentNodeID:       po.CurrentNodeID,
		DeleteReason:        po.DeleteReason,
		Variables:           NewVariables(po.Variables),
		CreatedAt:           po.CreatedAt,
		UpdatedAt:           po.UpdatedAt,
		EndedAt:             po.EndedAt,
	}
}

func newTask(po *TaskPo) *Task {
	return &Task{
		ID:                po.ID,
		ProcessInstanceID: po.ProcessInstanceID,
		NodeID:            po.NodeID,
		Name:              po.Name,
		Assignee:          po.Assignee,
		Status:            po.Status,
		CreatedAt:         po.CreatedAt,
		CompletedAt:       po.CompletedAt,
	}
}

type repositoryService struct {
	engine *ProcessEngine
}

func (s *repositoryService) CreateDeployment(ctx context.Context, req *CreateDeploymentReq) (*Deployment, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrProcessParamInvalid, "CreateDeployment failed, err: %v", err)
	}
	config, err := ParseProcessConfig(req.Resource)
	if err != nil {
		return nil, errors.WithMessagef(err, "ParseProcessConfig failed, deployment: %s", req.Name)
	}
	definition, err := BuildProcessDefinition(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "BuildProcessDefinition failed, deployment: %s", req.Name)
	}

	repo := s.engine.repo
	var deployment *DeploymentPo
	err = repo.Transaction(ctx, func(ctx context.Context) error {
		deployment, err = repo.CreateDeployment(ctx, &DeploymentPo{
			Name:         req.Name,
			ResourceName: req.ResourceName,
			Resource:     req.Resource,
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateDeployment failed, deployment: %s", req.Name)
		}
		latest, err := repo.QueryProcessDefinition(ctx, &QueryProcessDefinitionParams{
			Key:                &definition.Key,
			OrderbyVersionDesc: Bool(true),
			Page:               &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return errors.WithMessagef(err, "QueryProcessDefinition failed, key: %s", definition.Key)
		}
		version := int64(1)
		if len(latest) > 0 {
			version = latest[0].Version + 1
		}
		po, err := repo.CreateProcessDefinition(ctx, &ProcessDefinitionPo{
			DeploymentID: deployment.ID,
			Key:          definition.Key,
			Name:         definition.Name,
			Version:      version,
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateProcessDefinition failed, key: %s", definition.Key)
		}
		definition.ID = po.ID
		definition.DeploymentID = deployment.ID
		definition.Version = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.definitions.Store(definition.ID, definition)
	s.engine.logger.InfoContext(ctx, "process deployed",
		"deploymentID", deployment.ID,
		"processKey", definition.Key,
		"version", definition.Version)
	return newDeployment(deployment), nil
}

func (s *repositoryService) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	pos, err := s.engine.repo.QueryDeployment(ctx, &QueryDeploymentParams{
		Page: &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryDeployment failed")
	}
	ret := make([]*Deployment, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, newDeployment(po))
	}
	return ret, nil
}

func (s *repositoryService) DeleteDeployment(ctx context.Context, deploymentID int64, cascade bool) error {
	done, err := s.engine.begin()
	if err != nil {
		return err
	}
	defer done()
	repo := s.engine.repo
	definitionIDs := make([]int64, 0)
	err = repo.Transaction(ctx, func(ctx context.Context) error {
		deployments, err := repo.QueryDeployment(ctx, &QueryDeploymentParams{
			DeploymentID: &deploymentID,
			Page:         &Pager{Page: 1, Size: 1},
		})
		if err != nil {
			return errors.WithMessagef(err, "QueryDeployment failed, deploymentID: %d", deploymentID)
		}
		if len(deployments) == 0 {
			return errors.WithMessagef(ErrDeploymentNotFound, "deploymentID: %d", deploymentID)
		}
		definitions, err := repo.QueryProcessDefinition(ctx, &QueryProcessDefinitionParams{
			DeploymentIDIn: []int64{deploymentID},
			Page:           &Pager{IsNoLimit: Bool(true)},
		})
		if err != nil {
			return errors.WithMessagef(err, "QueryProcessDefinition failed, deploymentID: %d", deploymentID)
		}
		for _, definition := range definitions {
			definitionIDs = append(definitionIDs, definition.ID)
		}
		if len(definitionIDs) > 0 {
			instances, err := repo.QueryProcessInstance(ctx, &QueryProcessInstanceParams{
				ProcessDefinitionIDIn: definitionIDs,
				Page:                  &Pager{IsNoLimit: Bool(true)},
			})
			if err != nil {
				return errors.WithMessagef(err, "QueryProcessInstance failed, deploymentID: %d", deploymentID)
			}
			instanceIDs := make([]int64, 0, len(instances))
			for _, instance := range instances {
				if instance.Status == ProcessInstanceStatusRunning && !cascade {
					return errors.WithMessagef(ErrDeploymentHasRunningInstances, "deploymentID: %d, processInstanceID: %d", deploymentID, instance.ID)
				}
				instanceIDs = append(instanceIDs, instance.ID)
			}
			if err := repo.DeleteTask(ctx, instanceIDs); err != nil {
				return errors.WithMessagef(err, "DeleteTask failed, deploymentID: %d", deploymentID)
			}
			if err := repo.DeleteProcessInstance(ctx, definitionIDs); err != nil {
				return errors.WithMessagef(err, "DeleteProcessInstance failed, deploymentID: %d", deploymentID)
			}
		}
		if err := repo.DeleteProcessDefinition(ctx, []int64{deploymentID}); err != nil {
			return errors.WithMessagef(err, "DeleteProcessDefinition failed, deploymentID: %d", deploymentID)
		}
		if err := repo.DeleteDeployment(ctx, []int64{deploymentID}); err != nil {
			return errors.WithMessagef(err, "DeleteDeployment failed, deploymentID: %d", deploymentID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range definitionIDs {
		s.engine.definitions.Delete(id)
	}
	s.engine.logger.InfoContext(ctx, "deployment deleted", "deploymentID", deploymentID, "cascade", cascade)
	return nil
}

func (s *repositoryService) GetProcessDefinitionByDeployment(ctx context.Context, deploymentID int64) (*ProcessDefinition, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	pos, err := s.engine.repo.QueryProcessDefinition(ctx, &QueryProcessDefinitionParams{
		DeploymentIDIn: []int64{deploymentID},
		Page:           &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcessDefinition failed, deploymentID: %d", deploymentID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessDefinitionNotFound, "deploymentID: %d", deploymentID)
	}
	return s.engine.loadDefinition(ctx, pos[0])
}

func (s *repositoryService) GetLatestProcessDefinition(ctx context.Context, processKey string) (*ProcessDefinition, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return s.engine.latestDefinition(ctx, processKey)
}

func (e *ProcessEngine) latestDefinition(ctx context.Context, processKey string) (*ProcessDefinition, error) {
	pos, err := e.repo.QueryProcessDefinition(ctx, &QueryProcessDefinitionParams{
		Key:                &processKey,
		OrderbyVersionDesc: Bool(true),
		Page:               &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcessDefinition failed, key: %s", processKey)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessDefinitionNotFound, "key: %s", processKey)
	}
	return e.loadDefinition(ctx, pos[0])
}

type runtimeService struct {
	engine *ProcessEngine
}

func (s *runtimeService) StartProcessInstanceByKey(ctx context.Context, req *StartProcessInstanceReq) (*ProcessInstance, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrProcessParamInvalid, "StartProcessInstanceByKey failed, err: %v", err)
	}
	e := s.engine
	definition, err := e.latestDefinition(ctx, req.ProcessKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "latestDefinition failed, key: %s", req.ProcessKey)
	}
	variables := NewVariablesFromMap(req.Variables)
	var instance *ProcessInstancePo
	var completed bool
	err = e.repo.Transaction(ctx, func(ctx context.Context) error {
		instance, err = e.repo.CreateProcessInstance(ctx, &ProcessInstancePo{
			ProcessDefinitionID: definition.ID,
			ProcessKey:          definition.Key,
			BusinessKey:         req.BusinessKey,
			Status:              ProcessInstanceStatusRunning,
			Variables:           variables.ToBytesWithoutError(),
			CurrentNodeID:       definition.StartNode.ID,
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateProcessInstance failed, key: %s", req.ProcessKey)
		}
		return e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(instance.ID), e.lockTimeout, func(ctx context.Context) error {
			completed, err = e.advance(ctx, definition, instance, variables, definition.StartNode)
			return err
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "start process instance failed, key: %s", req.ProcessKey)
	}
	e.metrics.instanceStarted(definition.Key)
	if completed {
		e.metrics.instanceCompleted(definition.Key)
	}
	e.logger.InfoContext(ctx, "process instance started",
		"processInstanceID", instance.ID,
		"processKey", definition.Key,
		"version", definition.Version,
		"completed", completed)
	return newProcessInstance(instance), nil
}

func (s *runtimeService) GetProcessInstance(ctx context.Context, processInstanceID int64) (*ProcessInstance, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	po, err := s.engine.getInstancePo(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	return newProcessInstance(po), nil
}

func (e *ProcessEngine) getInstancePo(ctx context.Context, processInstanceID int64) (*ProcessInstancePo, error) {
	pos, err := e.repo.QueryProcessInstance(ctx, &QueryProcessInstanceParams{
		ProcessInstanceID: &processInstanceID,
		Page:              &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcessInstance failed, processInstanceID: %d", processInstanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessInstanceNotFound, "processInstanceID: %d", processInstanceID)
	}
	return pos[0], nil
}

func (s *runtimeService) ListProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstance, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if params == nil {
		params = &QueryProcessInstanceParams{}
	}
	if params.Page == nil {
		params.Page = &Pager{IsNoLimit: Bool(true)}
	}
	pos, err := s.engine.repo.QueryProcessInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryProcessInstance failed")
	}
	ret := make([]*ProcessInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, newProcessInstance(po))
	}
	return ret, nil
}

func (s *runtimeService) GetVariables(ctx context.Context, processInstanceID int64) (*Variables, error) {
	instance, err := s.GetProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	return instance.Variables, nil
}

func (s *runtimeService) BulkDeleteProcessInstances(ctx context.Context, processInstanceIDs []int64, reason string) error {
	done, err := s.engine.begin()
	if err != nil {
		return err
	}
	defer done()
	e := s.engine
	seen := make(map[int64]bool, len(processInstanceIDs))
	for _, processInstanceID := range processInstanceIDs {
		if seen[processInstanceID] {
			continue
		}
		seen[processInstanceID] = true
		err := e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(processInstanceID), e.lockTimeout, func(ctx context.Context) error {
			return e.repo.Transaction(ctx, func(ctx context.Context) error {
				return e.deleteInstance(ctx, processInstanceID, reason)
			})
		})
		if err != nil {
			return errors.WithMessagef(err, "delete process instance failed, processInstanceID: %d", processInstanceID)
		}
	}
	if len(seen) > 0 {
		e.logger.InfoContext(ctx, "process instances deleted", "count", len(seen), "reason", reason)
	}
	return nil
}

func (e *ProcessEngine) deleteInstance(ctx context.Context, processInstanceID int64, reason string) error {
	instance, err := e.getInstancePo(ctx, processInstanceID)
	if err != nil {
		return err
	}
	if IsOverProcessInstanceStatus(instance.Status) {
		return nil
	}
	err = e.repo.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{
		Where: &UpdateProcessInstanceWhere{
			IDIn:     []int64{processInstanceID},
			StatusIn: []string{ProcessInstanceStatusRunning},
		},
		Fields: &UpdateProcessInstanceField{
			Status:       String(ProcessInstanceStatusDeleted),
			DeleteReason: String(reason),
			EndedAt:      Int64(time.Now().Unix()),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateProcessInstance failed, processInstanceID: %d", processInstanceID)
	}
	err = e.repo.UpdateTask(ctx, &UpdateTaskParams{
		Where: &UpdateTaskWhere{
			ProcessInstanceIDIn: []int64{processInstanceID},
			StatusIn:            []string{TaskStatusCreated},
		},
		Fields: &UpdateTaskField{
			Status: String(TaskStatusDeleted),
		},
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateTask failed, processInstanceID: %d", processInstanceID)
	}
	return nil
}

type taskService struct {
	engine *ProcessEngine
}

func (s *taskService) ListTasks(ctx context.Context, params *QueryTaskParams) ([]*Task, error) {
	done, err := s.engine.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if params == nil {
		params = &QueryTaskParams{}
	}
	if params.Page == nil {
		params.Page = &Pager{IsNoLimit: Bool(true)}
	}
	pos, err := s.engine.repo.QueryTask(ctx, params)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryTask failed")
	}
	tasks := make([]*Task, 0, len(pos))
	instanceIDs := make([]int64, 0)
	seen := make(map[int64]bool)
	for _, po := range pos {
		tasks = append(tasks, newTask(po))
		if !seen[po.ProcessInstanceID] {
			seen[po.ProcessInstanceID] = true
			instanceIDs = append(instanceIDs, po.ProcessInstanceID)
		}
	}
	if !params.IncludeProcessVariables || len(instanceIDs) == 0 {
		return tasks, nil
	}
	instances, err := s.engine.repo.QueryProcessInstance(ctx, &QueryProcessInstanceParams{
		ProcessInstanceIDIn: instanceIDs,
		Page:                &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryProcessInstance failed")
	}
	variables := make(map[int64][]byte, len(instances))
	for _, instance := range instances {
		variables[instance.ID] = instance.Variables
	}
	for _, task := range tasks {
		// 每个任务一份独立的拷贝
		task.ProcessVariables = NewVariables(variables[task.ProcessInstanceID])
	}
	return tasks, nil
}

func (s *taskService) CompleteTask(ctx context.Context, taskID int64, variables map[string]any) error {
	done, err := s.engine.begin()
	if err != nil {
		return err
	}
	defer done()
	e := s.engine
	task, err := e.getTaskPo(ctx, taskID)
	if err != nil {
		return err
	}
	var (
		processKey string
		completed  bool
	)
	err = e.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(task.ProcessInstanceID), e.lockTimeout, func(ctx context.Context) error {
		return e.repo.Transaction(ctx, func(ctx context.Context) error {
			// 拿到锁之后重新查询, 可能已经被其他 goroutine 完成
			task, err := e.getTaskPo(ctx, taskID)
			if err != nil {
				return err
			}
			if IsOverTaskStatus(task.Status) {
				return errors.WithMessagef(ErrTaskAlreadyCompleted, "taskID: %d, status: %s", taskID, task.Status)
			}
			instance, err := e.getInstancePo(ctx, task.ProcessInstanceID)
			if err != nil {
				return err
			}
			if instance.Status != ProcessInstanceStatusRunning {
				return errors.WithMessagef(ErrProcessInstanceNotRunning, "processInstanceID: %d, status: %s", instance.ID, instance.Status)
			}
			definition, err := e.getDefinitionByID(ctx, instance.ProcessDefinitionID)
			if err != nil {
				return errors.WithMessagef(err, "getDefinitionByID failed, processInstanceID: %d", instance.ID)
			}
			node, ok := definition.GetNode(task.NodeID)
			if !ok {
				return errors.WithMessagef(ErrProcessDefinitionNotFound, "node %s not found in definition %d", task.NodeID, definition.ID)
			}
			err = e.repo.UpdateTask(ctx, &UpdateTaskParams{
				Where:    &UpdateTaskWhere{IDIn: []int64{taskID}},
				Fields:   &UpdateTaskField{Status: String(TaskStatusCompleted), CompletedAt: Int64(time.Now().Unix())},
				LimitMax: 1,
			})
			if err != nil {
				return errors.WithMessagef(err, "UpdateTask failed, taskID: %d", taskID)
			}
			processVariables := NewVariables(instance.Variables)
			processVariables.Merge(variables)
			next, err := nextNode(node, processVariables)
			if err != nil {
				return errors.WithMessagef(err, "nextNode failed, taskID: %d", taskID)
			}
			processKey = definition.Key
			completed, err = e.advance(ctx, definition, instance, processVariables, next)
			return err
		})
	})
	if err != nil {
		return errors.WithMessagef(err, "complete task failed, taskID: %d", taskID)
	}
	e.metrics.taskCompleted(processKey, task.NodeID)
	if completed {
		e.metrics.instanceCompleted(processKey)
	}
	e.logger.InfoContext(ctx, "task completed",
		"taskID", taskID,
		"processInstanceID", task.ProcessInstanceID,
		"node", task.NodeID,
		"processCompleted", completed)
	return nil
}

func (e *ProcessEngine) getTaskPo(ctx context.Context, taskID int64) (*TaskPo, error) {
	pos, err := e.repo.QueryTask(ctx, &QueryTaskParams{
		TaskID: &taskID,
		Page:   &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryTask failed, taskID: %d", taskID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrTaskNotFound, "taskID: %d", taskID)
	}
	return pos[0], nil
}
