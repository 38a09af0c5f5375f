package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

// 辅助函数：生成指针
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

var (
	ErrProcessParamInvalid             = errors.New("process param invalid")
	ErrProcessConfigInvalid            = errors.New("process config invalid")
	ErrDeploymentNotFound              = errors.New("deployment not found")
	ErrProcessDefinitionNotFound       = errors.New("process definition not found")
	ErrProcessInstanceNotFound         = errors.New("process instance not found")
	ErrProcessInstanceNotRunning       = errors.New("process instance not running")
	ErrTaskNotFound                    = errors.New("task not found")
	ErrTaskAlreadyCompleted            = errors.New("task already completed")
	ErrDelegateNotFound                = errors.New("delegate not found")
	ErrDelegateAlreadyRegistered       = errors.New("delegate already registered")
	ErrNoOutgoingFlow                  = errors.New("no outgoing sequence flow matched")
	ErrDeploymentHasRunningInstances   = errors.New("deployment has running process instances")
	ErrProcessEngineAlreadyRegistered  = errors.New("process engine already registered")
	ErrProcessEngineClosed             = errors.New("process engine closed")
	ErrDelegateExecutionPanic          = errors.New("delegate execution panic")
	ErrProcessInstanceExecutionTooLong = errors.New("process instance execution exceeded max steps")
)

// NodeType 流程节点类型
type NodeType = string

const (
	NodeTypeStartEvent       NodeType = "start_event"
	NodeTypeEndEvent         NodeType = "end_event"
	NodeTypeUserTask         NodeType = "user_task"
	NodeTypeServiceTask      NodeType = "service_task"
	NodeTypeExclusiveGateway NodeType = "exclusive_gateway"
)

type ProcessInstanceStatus = string

const (
	ProcessInstanceStatusRunning ProcessInstanceStatus = "running"
	// 完成, 终止状态, 走到了结束节点
	ProcessInstanceStatusCompleted ProcessInstanceStatus = "completed"
	// 删除, 终止状态, 手动删除的, delete_reason 记录原因
	ProcessInstanceStatusDeleted ProcessInstanceStatus = "deleted"
)

func IsOverProcessInstanceStatus(status ProcessInstanceStatus) bool {
	return status == ProcessInstanceStatusCompleted || status == ProcessInstanceStatusDeleted
}

func GetProcessInstanceStatusText(status ProcessInstanceStatus) string {
	switch status {
	case ProcessInstanceStatusRunning:
		return "运行中"
	case ProcessInstanceStatusCompleted:
		return "完成"
	case ProcessInstanceStatusDeleted:
		return "删除"
	}
	return "未知"
}

type TaskStatus = string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusDeleted   TaskStatus = "deleted"
)

func IsOverTaskStatus(status TaskStatus) bool {
	return status == TaskStatusCompleted || status == TaskStatusDeleted
}

func GetTaskStatusText(status TaskStatus) string {
	switch status {
	case TaskStatusCreated:
		return "待处理"
	case TaskStatusCompleted:
		return "完成"
	case TaskStatusDeleted:
		return "删除"
	}
	return "未知"
}

// IsSeriousError 判断是否是需要人工介入的错误
// 1. 配置或者定义不正确, 重试也不会成功
// 2. 委托执行 panic
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	return errors.Is(causeErr, ErrProcessConfigInvalid) ||
		errors.Is(causeErr, ErrProcessDefinitionNotFound) ||
		errors.Is(causeErr, ErrDelegateNotFound) ||
		errors.Is(causeErr, ErrDelegateAlreadyRegistered) ||
		errors.Is(causeErr, ErrNoOutgoingFlow) ||
		errors.Is(causeErr, ErrDelegateExecutionPanic) ||
		errors.Is(causeErr, ErrProcessInstanceExecutionTooLong)
}
