package holiday

import (
	"context"
	_ "embed"
	"sync"

	"github.com/phatvn/flowchain/workflow"
	"github.com/pkg/errors"
)

const (
	ProcessKey = "holidayRequest"

	DelegateCallExternalSystem = "callExternalSystem"
	DelegateSendRejectionMail  = "sendRejectionMail"
	DelegateSomeThing          = "someThing"
)

//go:embed holiday-request.yaml
var processResource []byte

var (
	registerOnce sync.Once
	registerErr  error
)

// ProcessResource 内置的请假流程定义
func ProcessResource() []byte {
	return processResource
}

// Register 注册请假流程用到的委托, 多次调用只注册一次
// 委托的日志写到执行它的引擎的 logger 上
func Register() error {
	registerOnce.Do(func() {
		registerErr = register()
	})
	return registerErr
}

func register() error {
	delegates := map[string]workflow.Delegate{
		DelegateCallExternalSystem: callExternalSystem{},
		DelegateSendRejectionMail:  sendRejectionMail{},
		DelegateSomeThing:          someThing{},
	}
	for name, delegate := range delegates {
		if err := workflow.RegisterDelegate(name, delegate); err != nil {
			return errors.WithMessagef(err, "register delegate %s failed", name)
		}
	}
	return nil
}

type callExternalSystem struct{}

func (callExternalSystem) Execute(ctx context.Context, execution *workflow.DelegateExecution) error {
	employee, _ := execution.Variables.GetString("employee")
	execution.Logger().InfoContext(ctx, "Calling the external system for employee",
		"employee", employee,
		"processInstanceID", execution.ProcessInstanceID)
	return nil
}

type sendRejectionMail struct{}

func (sendRejectionMail) Execute(ctx context.Context, execution *workflow.DelegateExecution) error {
	employee, _ := execution.Variables.GetString("employee")
	execution.Logger().InfoContext(ctx, "Sending rejection mail",
		"employee", employee,
		"processInstanceID", execution.ProcessInstanceID)
	execution.SetVariable("rejectionMailSent", true)
	return nil
}

type someThing struct{}

func (someThing) Execute(ctx context.Context, execution *workflow.DelegateExecution) error {
	execution.Logger().InfoContext(ctx, "Executing SomeThing delegate", "processInstanceID", execution.ProcessInstanceID)
	execution.SetVariable("someVariable", "someValue")
	return nil
}
