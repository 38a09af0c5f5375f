package shutdown

import (
	"log/slog"

	"github.com/phatvn/flowchain/chain"
	"github.com/phatvn/flowchain/workflow"
	"github.com/pkg/errors"
)

const (
	DestroyEngineMessage    = "We'll destroy the process engines after the application has started."
	CloseApplicationMessage = "We'll close the application context after the process engines have been destroyed."
)

// ApplicationContext 关闭链执行时传递的应用上下文
type ApplicationContext interface {
	Close() error
}

// DestroyEngine 销毁进程内所有已注册的流程引擎
type DestroyEngine struct {
	Logger *slog.Logger
	// Destroy 为空时使用 workflow.DestroyProcessEngines
	Destroy func() error
}

func (d *DestroyEngine) Execute(ctx ApplicationContext, args ...string) error {
	loggerOrDefault(d.Logger).Info(DestroyEngineMessage)
	destroy := d.Destroy
	if destroy == nil {
		destroy = workflow.DestroyProcessEngines
	}
	if err := destroy(); err != nil {
		return errors.WithMessage(err, "destroy process engines failed")
	}
	return nil
}

// CloseApplication 关闭应用上下文, 上下文为空时什么也不关
type CloseApplication struct {
	Logger *slog.Logger
}

func (c *CloseApplication) Execute(ctx ApplicationContext, args ...string) error {
	loggerOrDefault(c.Logger).Info(CloseApplicationMessage)
	if chain.IsAbsent(ctx) {
		return nil
	}
	if err := ctx.Close(); err != nil {
		return errors.WithMessage(err, "close application context failed")
	}
	return nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
