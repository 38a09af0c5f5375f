package runner

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/phatvn/flowchain/internal/config"
	"github.com/phatvn/flowchain/internal/holiday"
	"github.com/phatvn/flowchain/workflow"
	"github.com/pkg/errors"
)

var ErrTooManyRounds = errors.New("too many rounds of completing tasks")

// Decider 决定一个任务是否通过
type Decider func(task *workflow.Task) bool

// RandomDecider 以 ratio 的概率通过
func RandomDecider(ratio float64) Decider {
	return func(*workflow.Task) bool {
		return rand.Float64() < ratio
	}
}

// HolidayRunner 清理之前的部署, 重新部署请假流程, 启动一个实例并自动完成所有任务
type HolidayRunner struct {
	engine       *workflow.ProcessEngine
	logger       *slog.Logger
	resource     []byte
	resourceName string
	processKey   string
	businessKey  string
	maxRounds    int
	decide       Decider
}

type Option func(r *HolidayRunner)

func WithDecider(decide Decider) Option {
	return func(r *HolidayRunner) {
		if decide != nil {
			r.decide = decide
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *HolidayRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewHolidayRunner(engine *workflow.ProcessEngine, cfg config.RunnerConfig, opts ...Option) (*HolidayRunner, error) {
	if engine == nil {
		return nil, errors.New("engine is nil")
	}
	r := &HolidayRunner{
		engine:       engine,
		logger:       slog.Default(),
		resource:     holiday.ProcessResource(),
		resourceName: "holiday-request.yaml",
		processKey:   holiday.ProcessKey,
		businessKey:  cfg.BusinessKey,
		maxRounds:    cfg.MaxRounds,
		decide:       RandomDecider(cfg.ApproveRatio),
	}
	if cfg.ProcessResource != "" {
		b, err := os.ReadFile(cfg.ProcessResource)
		if err != nil {
			return nil, errors.Wrapf(err, "read process resource %s failed", cfg.ProcessResource)
		}
		processConfig, err := workflow.ParseProcessConfig(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "parse process resource %s failed", cfg.ProcessResource)
		}
		r.resource = b
		r.resourceName = filepath.Base(cfg.ProcessResource)
		r.processKey = processConfig.Key
	}
	if r.maxRounds <= 0 {
		r.maxRounds = 100
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *HolidayRunner) Run(ctx context.Context, args ...string) error {
	_, err := r.run(ctx)
	return err
}

func (r *HolidayRunner) run(ctx context.Context) (*workflow.ProcessInstance, error) {
	repositoryService := r.engine.RepositoryService()
	runtimeService := r.engine.RuntimeService()
	taskService := r.engine.TaskService()

	r.logger.InfoContext(ctx, "Cleaning up previous deployments and process instances...")
	if err := r.cleanup(ctx); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "Previous deployments and process instances cleaned up.")

	r.logger.InfoContext(ctx, "Starting new deployment and process instance...")
	deployment, err := repositoryService.CreateDeployment(ctx, &workflow.CreateDeploymentReq{
		Name:         r.processKey,
		ResourceName: r.resourceName,
		Resource:     r.resource,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "deploy process failed")
	}
	definition, err := repositoryService.GetProcessDefinitionByDeployment(ctx, deployment.ID)
	if err != nil {
		return nil, errors.WithMessagef(err, "get process definition failed, deploymentID: %d", deployment.ID)
	}
	r.logger.InfoContext(ctx, "Deployment completed", "deploymentID", definition.DeploymentID)

	r.logger.InfoContext(ctx, "Starting process instance", "processKey", definition.Key)
	instance, err := runtimeService.StartProcessInstanceByKey(ctx, &workflow.StartProcessInstanceReq{
		ProcessKey:  definition.Key,
		BusinessKey: r.businessKey,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "start process instance failed, key: %s", definition.Key)
	}
	r.logger.InfoContext(ctx, "Process instance started", "processInstanceID", instance.ID)

	tasks, err := r.openTasks(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	for round := 0; len(tasks) > 0; round++ {
		if round >= r.maxRounds {
			return nil, errors.WithMessagef(ErrTooManyRounds, "processInstanceID: %d, maxRounds: %d", instance.ID, r.maxRounds)
		}
		r.logger.InfoContext(ctx, "Found tasks", "count", len(tasks), "processInstanceID", instance.ID)
		for _, task := range tasks {
			r.logger.InfoContext(ctx, "Completing task", "task", task.Name, "processInstanceID", instance.ID)
			variables := task.ProcessVariables.ToMap()
			variables["approved"] = r.decide(task)
			r.logger.InfoContext(ctx, "Task variables", "variables", variables)
			if err := taskService.CompleteTask(ctx, task.ID, variables); err != nil {
				return nil, errors.WithMessagef(err, "complete task failed, taskID: %d", task.ID)
			}
			r.logger.InfoContext(ctx, "Task completed successfully", "task", task.Name)
		}
		tasks, err = r.openTasks(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "Re-fetched tasks", "remaining", len(tasks), "processInstanceID", instance.ID)
	}
	r.logger.InfoContext(ctx, "There are no more tasks for process instance", "processInstanceID", instance.ID)

	instance, err = runtimeService.GetProcessInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (r *HolidayRunner) cleanup(ctx context.Context) error {
	deployments, err := r.engine.RepositoryService().ListDeployments(ctx)
	if err != nil {
		return errors.WithMessage(err, "list deployments failed")
	}
	for _, deployment := range deployments {
		if err := r.engine.RepositoryService().DeleteDeployment(ctx, deployment.ID, true); err != nil {
			return errors.WithMessagef(err, "delete deployment failed, deploymentID: %d", deployment.ID)
		}
	}
	running, err := r.engine.RuntimeService().ListProcessInstances(ctx, &workflow.QueryProcessInstanceParams{
		StatusIn: []string{workflow.ProcessInstanceStatusRunning},
	})
	if err != nil {
		return errors.WithMessage(err, "list running process instances failed")
	}
	ids := make([]int64, 0, len(running))
	for _, instance := range running {
		ids = append(ids, instance.ID)
	}
	if err := r.engine.RuntimeService().BulkDeleteProcessInstances(ctx, ids, "cleanup"); err != nil {
		return errors.WithMessage(err, "bulk delete process instances failed")
	}
	return nil
}

func (r *HolidayRunner) openTasks(ctx context.Context, processInstanceID int64) ([]*workflow.Task, error) {
	tasks, err := r.engine.TaskService().ListTasks(ctx, &workflow.QueryTaskParams{
		ProcessInstanceID:       &processInstanceID,
		StatusIn:                []string{workflow.TaskStatusCreated},
		IncludeProcessVariables: true,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "list tasks failed, processInstanceID: %d", processInstanceID)
	}
	return tasks, nil
}
