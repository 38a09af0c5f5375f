package workflow

import (
	"context"
)

type ProcessRepo interface {
	CreateDeployment(ctx context.Context, deployment *DeploymentPo) (*DeploymentPo, error)
	QueryDeployment(ctx context.Context, param *QueryDeploymentParams) ([]*DeploymentPo, error)
	DeleteDeployment(ctx context.Context, deploymentIDs []int64) error

	CreateProcessDefinition(ctx context.Context, definition *ProcessDefinitionPo) (*ProcessDefinitionPo, error)
	QueryProcessDefinition(ctx context.Context, param *QueryProcessDefinitionParams) ([]*ProcessDefinitionPo, error)
	DeleteProcessDefinition(ctx context.Context, deploymentIDs []int64) error

	CreateProcessInstance(ctx context.Context, instance *ProcessInstancePo) (*ProcessInstancePo, error)
	QueryProcessInstance(ctx context.Context, param *QueryProcessInstanceParams) ([]*ProcessInstancePo, error)
	CountProcessInstance(ctx context.Context, param *QueryProcessInstanceParams) (int64, error)
	UpdateProcessInstance(ctx context.Context, param *UpdateProcessInstanceParams) error
	DeleteProcessInstance(ctx context.Context, processDefinitionIDs []int64) error

	CreateTask(ctx context.Context, task *TaskPo) (*TaskPo, error)
	QueryTask(ctx context.Context, param *QueryTaskParams) ([]*TaskPo, error)
	UpdateTask(ctx context.Context, param *UpdateTaskParams) error
	DeleteTask(ctx context.Context, processInstanceIDs []int64) error

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
