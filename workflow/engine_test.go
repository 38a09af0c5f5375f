package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	registerTestDelegatesOnce sync.Once
	notifyCount               atomic.Int64
	engineSeq                 atomic.Int64
)

func registerTestDelegates(t *testing.T) {
	registerTestDelegatesOnce.Do(func() {
		require.NoError(t, RegisterDelegate("test.notify", DelegateFunc(func(ctx context.Context, execution *DelegateExecution) error {
			notifyCount.Add(1)
			execution.SetVariable("notified", true)
			execution.SetVariable("notifiedNode", execution.NodeID)
			return nil
		})))
		require.NoError(t, RegisterDelegate("test.fail", DelegateFunc(func(ctx context.Context, execution *DelegateExecution) error {
			return errors.New("mail server unavailable")
		})))
		require.NoError(t, RegisterDelegate("test.panic", DelegateFunc(func(ctx context.Context, execution *DelegateExecution) error {
			panic("delegate exploded")
		})))
	})
}

type testEngine struct {
	*ProcessEngine
	lock    InstanceLock
	metrics *Metrics
}

func setupTestEngine(t *testing.T, opts ...EngineOption) *testEngine {
	t.Helper()
	registerTestDelegates(t)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存数据库每个连接都是独立的库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })

	lock := NewLocalInstanceLock()
	metrics := NewMetrics(prometheus.NewRegistry())
	name := fmt.Sprintf("test-engine-%d", engineSeq.Add(1))
	engine, err := NewProcessEngine(name, NewProcessRepo(db), lock, append([]EngineOption{WithMetrics(metrics)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return &testEngine{ProcessEngine: engine, lock: lock, metrics: metrics}
}

func deploy(t *testing.T, engine *testEngine, resource string) *Deployment {
	t.Helper()
	deployment, err := engine.RepositoryService().CreateDeployment(context.Background(), &CreateDeploymentReq{
		Name:         "test deployment",
		ResourceName: "process.yaml",
		Resource:     []byte(resource),
	})
	require.NoError(t, err)
	return deployment
}

func openTasks(t *testing.T, engine *testEngine, processInstanceID int64) []*Task {
	t.Helper()
	tasks, err := engine.TaskService().ListTasks(context.Background(), &QueryTaskParams{
		ProcessInstanceID: &processInstanceID,
		StatusIn:          []string{TaskStatusCreated},
	})
	require.NoError(t, err)
	return tasks
}

func TestProcessEngine_ApprovePath(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{
		ProcessKey:  "leaveApproval",
		BusinessKey: "LEAVE-001",
		Variables:   map[string]any{"employee": "kermit", "nrOfHolidays": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStatusRunning, instance.Status)
	assert.Equal(t, "review", instance.CurrentNodeID)
	assert.Equal(t, "LEAVE-001", instance.BusinessKey)

	tasks := openTasks(t, engine, instance.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, "review", tasks[0].NodeID)
	assert.Equal(t, "审批", tasks[0].Name)
	assert.Equal(t, "managers", tasks[0].Assignee)
	assert.Nil(t, tasks[0].ProcessVariables)

	before := notifyCount.Load()
	require.NoError(t, engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": true}))
	assert.Equal(t, before+1, notifyCount.Load())

	instance, err = engine.RuntimeService().GetProcessInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStatusCompleted, instance.Status)
	assert.Equal(t, "approvedEnd", instance.CurrentNodeID)
	assert.NotZero(t, instance.EndedAt)

	variables, err := engine.RuntimeService().GetVariables(ctx, instance.ID)
	require.NoError(t, err)
	notified, _ := variables.GetBool("notified")
	assert.True(t, notified)
	node, _ := variables.GetString("notifiedNode")
	assert.Equal(t, "notify", node)
	days, _ := variables.GetInt64("nrOfHolidays")
	assert.Equal(t, int64(3), days)

	assert.Empty(t, openTasks(t, engine, instance.ID))

	assert.Equal(t, float64(1), testutil.ToFloat64(engine.metrics.InstancesStarted.WithLabelValues("leaveApproval")))
	assert.Equal(t, float64(1), testutil.ToFloat64(engine.metrics.InstancesCompleted.WithLabelValues("leaveApproval")))
	assert.Equal(t, float64(1), testutil.ToFloat64(engine.metrics.TasksCompleted.WithLabelValues("leaveApproval", "review")))
}

func TestProcessEngine_RejectPath(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)
	tasks := openTasks(t, engine, instance.ID)
	require.Len(t, tasks, 1)

	require.NoError(t, engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": false}))

	instance, err = engine.RuntimeService().GetProcessInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStatusCompleted, instance.Status)
	assert.Equal(t, "rejectedEnd", instance.CurrentNodeID)
	_, ok := instance.Variables.Get("notified")
	assert.False(t, ok)

	err = engine.TaskService().CompleteTask(ctx, tasks[0].ID, nil)
	assert.True(t, errors.Is(err, ErrTaskAlreadyCompleted), err)

	err = engine.TaskService().CompleteTask(ctx, 9999, nil)
	assert.True(t, errors.Is(err, ErrTaskNotFound), err)
}

func TestProcessEngine_StartValidation(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()

	_, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{})
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))

	_, err = engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "unknown"})
	assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))

	_, err = engine.RepositoryService().CreateDeployment(ctx, &CreateDeploymentReq{Name: "empty"})
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))

	_, err = engine.RepositoryService().CreateDeployment(ctx, &CreateDeploymentReq{Name: "broken", Resource: []byte("key: broken")})
	assert.True(t, errors.Is(err, ErrProcessConfigInvalid))

	deployments, err := engine.RepositoryService().ListDeployments(ctx)
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestProcessEngine_Versioning(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	first := deploy(t, engine, leaveApprovalYAML)
	second := deploy(t, engine, leaveApprovalYAML)

	firstDefinition, err := engine.RepositoryService().GetProcessDefinitionByDeployment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), firstDefinition.Version)

	latest, err := engine.RepositoryService().GetLatestProcessDefinition(ctx, "leaveApproval")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, second.ID, latest.DeploymentID)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)
	assert.Equal(t, latest.ID, instance.ProcessDefinitionID)

	deployments, err := engine.RepositoryService().ListDeployments(ctx)
	require.NoError(t, err)
	require.Len(t, deployments, 2)
	assert.Equal(t, first.ID, deployments[0].ID)

	_, err = engine.RepositoryService().GetProcessDefinitionByDeployment(ctx, 9999)
	assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))
}

func TestProcessEngine_DefinitionReloadedFromDeployment(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)

	// 缓存清空之后从部署资源重新构建
	engine.definitions.Clear()
	tasks := openTasks(t, engine, instance.ID)
	require.Len(t, tasks, 1)
	require.NoError(t, engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": true}))

	instance, err = engine.RuntimeService().GetProcessInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "approvedEnd", instance.CurrentNodeID)
}

func TestProcessEngine_DeleteDeployment(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deployment := deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)

	err = engine.RepositoryService().DeleteDeployment(ctx, deployment.ID, false)
	assert.True(t, errors.Is(err, ErrDeploymentHasRunningInstances), err)
	deployments, err := engine.RepositoryService().ListDeployments(ctx)
	require.NoError(t, err)
	assert.Len(t, deployments, 1)

	require.NoError(t, engine.RepositoryService().DeleteDeployment(ctx, deployment.ID, true))

	deployments, err = engine.RepositoryService().ListDeployments(ctx)
	require.NoError(t, err)
	assert.Empty(t, deployments)
	_, err = engine.RuntimeService().GetProcessInstance(ctx, instance.ID)
	assert.True(t, errors.Is(err, ErrProcessInstanceNotFound))
	assert.Empty(t, openTasks(t, engine, instance.ID))
	_, err = engine.RepositoryService().GetLatestProcessDefinition(ctx, "leaveApproval")
	assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))

	err = engine.RepositoryService().DeleteDeployment(ctx, deployment.ID, true)
	assert.True(t, errors.Is(err, ErrDeploymentNotFound))
}

func TestProcessEngine_DeleteDeploymentWithFinishedInstances(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deployment := deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)
	tasks := openTasks(t, engine, instance.ID)
	require.Len(t, tasks, 1)
	require.NoError(t, engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": false}))

	// 没有运行中的实例, 不需要 cascade
	require.NoError(t, engine.RepositoryService().DeleteDeployment(ctx, deployment.ID, false))
	instances, err := engine.RuntimeService().ListProcessInstances(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestProcessEngine_BulkDeleteProcessInstances(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	ids := make([]int64, 0)
	for i := 0; i < 3; i++ {
		instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{
			ProcessKey:  "leaveApproval",
			BusinessKey: fmt.Sprintf("LEAVE-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, instance.ID)
	}

	require.NoError(t, engine.RuntimeService().BulkDeleteProcessInstances(ctx, []int64{ids[0], ids[1], ids[0]}, "cleanup"))

	for _, id := range ids[:2] {
		instance, err := engine.RuntimeService().GetProcessInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ProcessInstanceStatusDeleted, instance.Status)
		assert.Equal(t, "cleanup", instance.DeleteReason)
		assert.NotZero(t, instance.EndedAt)
		assert.Empty(t, openTasks(t, engine, id))
	}

	running, err := engine.RuntimeService().ListProcessInstances(ctx, &QueryProcessInstanceParams{
		StatusIn: []string{ProcessInstanceStatusRunning},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[2], running[0].ID)

	// 已经删除的实例再删除不会报错, 原因也不会被覆盖
	require.NoError(t, engine.RuntimeService().BulkDeleteProcessInstances(ctx, ids[:1], "again"))
	instance, err := engine.RuntimeService().GetProcessInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "cleanup", instance.DeleteReason)

	err = engine.RuntimeService().BulkDeleteProcessInstances(ctx, []int64{9999}, "cleanup")
	assert.True(t, errors.Is(err, ErrProcessInstanceNotFound))

	require.NoError(t, engine.RuntimeService().BulkDeleteProcessInstances(ctx, nil, "cleanup"))
}

func TestProcessEngine_ListTasksWithVariables(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	for _, employee := range []string{"kermit", "fozzie"} {
		_, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{
			ProcessKey: "leaveApproval",
			Variables:  map[string]any{"employee": employee},
		})
		require.NoError(t, err)
	}

	tasks, err := engine.TaskService().ListTasks(ctx, &QueryTaskParams{IncludeProcessVariables: true})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	employees := make([]string, 0)
	for _, task := range tasks {
		require.NotNil(t, task.ProcessVariables)
		employee, _ := task.ProcessVariables.GetString("employee")
		employees = append(employees, employee)
	}
	assert.ElementsMatch(t, []string{"kermit", "fozzie"}, employees)

	tasks, err = engine.TaskService().ListTasks(ctx, &QueryTaskParams{Page: &Pager{Page: 1, Size: 1}})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestProcessEngine_DelegateFailureRollsBack(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, `
key: failing
nodes:
  - {id: start, type: start_event, outgoing: [{target: send}]}
  - {id: send, type: service_task, delegate: test.fail, outgoing: [{target: end}]}
  - {id: end, type: end_event}
`)

	_, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "failing"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "mail server unavailable"), err.Error())
	assert.False(t, IsSeriousError(err))

	instances, err := engine.RuntimeService().ListProcessInstances(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.Equal(t, float64(0), testutil.ToFloat64(engine.metrics.InstancesStarted.WithLabelValues("failing")))
}

func TestProcessEngine_DelegatePanicAndMissingDelegate(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, `
key: exploding
nodes:
  - {id: start, type: start_event, outgoing: [{target: boom}]}
  - {id: boom, type: service_task, delegate: test.panic, outgoing: [{target: end}]}
  - {id: end, type: end_event}
`)
	deploy(t, engine, `
key: unregistered
nodes:
  - {id: start, type: start_event, outgoing: [{target: call}]}
  - {id: call, type: service_task, delegate: test.not.registered, outgoing: [{target: end}]}
  - {id: end, type: end_event}
`)

	_, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "exploding"})
	assert.True(t, errors.Is(err, ErrDelegateExecutionPanic), err)
	assert.True(t, IsSeriousError(err))

	_, err = engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "unregistered"})
	assert.True(t, errors.Is(err, ErrDelegateNotFound), err)
}

func TestProcessEngine_StraightThroughProcess(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	const resource = `
key: automatic
nodes:
  - {id: start, type: start_event, outgoing: [{target: notify}]}
  - {id: notify, type: service_task, delegate: test.notify, outgoing: [{target: end}]}
  - {id: end, type: end_event}
`
	deploy(t, engine, resource)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "automatic"})
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStatusCompleted, instance.Status)
	assert.Equal(t, "end", instance.CurrentNodeID)
	assert.Equal(t, float64(1), testutil.ToFloat64(engine.metrics.InstancesCompleted.WithLabelValues("automatic")))

	limited := setupTestEngine(t, WithMaxSteps(2))
	deploy(t, limited, resource)
	_, err = limited.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "automatic"})
	assert.True(t, errors.Is(err, ErrProcessInstanceExecutionTooLong), err)
}

func TestProcessEngine_CompleteTaskWhileLocked(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()
	deploy(t, engine, leaveApprovalYAML)

	instance, err := engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	require.NoError(t, err)
	tasks := openTasks(t, engine, instance.ID)
	require.Len(t, tasks, 1)

	err = engine.lock.NonBlockingSynchronized(ctx, processInstanceLockKey(instance.ID), defaultLockTimeout, func(lockedCtx context.Context) error {
		err := engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": true})
		assert.True(t, errors.Is(err, ErrLockFailed), err)
		err = engine.RuntimeService().BulkDeleteProcessInstances(ctx, []int64{instance.ID}, "cleanup")
		assert.True(t, errors.Is(err, ErrLockFailed), err)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, openTasks(t, engine, instance.ID), 1)
	require.NoError(t, engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": true}))
}

func TestProcessEngine_Close(t *testing.T) {
	engine := setupTestEngine(t)
	ctx := context.Background()

	got, ok := GetProcessEngine(engine.Name())
	require.True(t, ok)
	assert.Same(t, engine.ProcessEngine, got)
	assert.Contains(t, ProcessEngineNames(), engine.Name())

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	assert.True(t, engine.IsClosed())

	_, ok = GetProcessEngine(engine.Name())
	assert.False(t, ok)

	_, err := engine.RepositoryService().ListDeployments(ctx)
	assert.True(t, errors.Is(err, ErrProcessEngineClosed))
	_, err = engine.RuntimeService().StartProcessInstanceByKey(ctx, &StartProcessInstanceReq{ProcessKey: "leaveApproval"})
	assert.True(t, errors.Is(err, ErrProcessEngineClosed))
	err = engine.TaskService().CompleteTask(ctx, 1, nil)
	assert.True(t, errors.Is(err, ErrProcessEngineClosed))
}

func TestNewProcessEngine_Invalid(t *testing.T) {
	engine := setupTestEngine(t)

	_, err := NewProcessEngine(engine.Name(), engine.repo, engine.lock)
	assert.True(t, errors.Is(err, ErrProcessEngineAlreadyRegistered))

	_, err = NewProcessEngine("", engine.repo, engine.lock)
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))
	_, err = NewProcessEngine("no-repo", nil, engine.lock)
	assert.True(t, errors.Is(err, ErrProcessParamInvalid))
}

func TestDestroyProcessEngines(t *testing.T) {
	first := setupTestEngine(t)
	second := setupTestEngine(t)

	require.NoError(t, DestroyProcessEngines())
	assert.True(t, first.IsClosed())
	assert.True(t, second.IsClosed())
	assert.NotContains(t, ProcessEngineNames(), first.Name())
	assert.NotContains(t, ProcessEngineNames(), second.Name())

	// 没有引擎时什么也不做
	require.NoError(t, DestroyProcessEngines())
}
