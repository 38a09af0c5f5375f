package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/phatvn/flowchain/internal/config"
	"github.com/phatvn/flowchain/internal/holiday"
	"github.com/phatvn/flowchain/internal/logging"
	"github.com/phatvn/flowchain/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const reworkYAML = `
key: rework
nodes:
  - {id: start, type: start_event, outgoing: [{target: edit}]}
  - {id: edit, name: Edit, type: user_task, outgoing: [{target: gw}]}
  - {id: gw, type: exclusive_gateway, outgoing: [{target: end, condition: {variable: approved, equals: true}}, {target: edit}]}
  - {id: end, type: end_event}
`

var engineSeq atomic.Int64

func setupEngine(t *testing.T) *workflow.ProcessEngine {
	t.Helper()
	require.NoError(t, holiday.Register())
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(workflow.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })

	engine, err := workflow.NewProcessEngine(
		fmt.Sprintf("runner-test-%d", engineSeq.Add(1)),
		workflow.NewProcessRepo(db),
		workflow.NewLocalInstanceLock(),
		workflow.WithLogger(logging.NewNop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func always(approved bool) Decider {
	return func(*workflow.Task) bool { return approved }
}

func TestHolidayRunner_Approved(t *testing.T) {
	engine := setupEngine(t)
	visited := make([]string, 0)
	runner, err := NewHolidayRunner(engine, config.RunnerConfig{BusinessKey: "HOLIDAY-1", MaxRounds: 10},
		WithLogger(logging.NewNop()),
		WithDecider(func(task *workflow.Task) bool {
			visited = append(visited, task.NodeID)
			return true
		}))
	require.NoError(t, err)

	instance, err := runner.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessInstanceStatusCompleted, instance.Status)
	assert.Equal(t, "approveEnd", instance.CurrentNodeID)
	assert.Equal(t, "HOLIDAY-1", instance.BusinessKey)
	assert.True(t, instance.Variables.Matches("someVariable", "someValue"))
	assert.Equal(t, []string{"approveTask", "holidayApprovedTask"}, visited)
}

func TestHolidayRunner_Rejected(t *testing.T) {
	engine := setupEngine(t)
	runner, err := NewHolidayRunner(engine, config.RunnerConfig{MaxRounds: 10}, WithDecider(always(false)), WithLogger(logging.NewNop()))
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background()))

	instances, err := engine.RuntimeService().ListProcessInstances(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "rejectEnd", instances[0].CurrentNodeID)
}

func TestHolidayRunner_CleansUpPreviousRuns(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	_, err := engine.RepositoryService().CreateDeployment(ctx, &workflow.CreateDeploymentReq{Name: "old", Resource: []byte(reworkYAML)})
	require.NoError(t, err)
	_, err = engine.RuntimeService().StartProcessInstanceByKey(ctx, &workflow.StartProcessInstanceReq{ProcessKey: "rework"})
	require.NoError(t, err)

	runner, err := NewHolidayRunner(engine, config.RunnerConfig{MaxRounds: 10}, WithDecider(always(false)), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx))
	require.NoError(t, runner.Run(ctx))

	deployments, err := engine.RepositoryService().ListDeployments(ctx)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, holiday.ProcessKey, deployments[0].Name)

	_, err = engine.RepositoryService().GetLatestProcessDefinition(ctx, "rework")
	assert.True(t, errors.Is(err, workflow.ErrProcessDefinitionNotFound))

	instances, err := engine.RuntimeService().ListProcessInstances(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestHolidayRunner_MaxRounds(t *testing.T) {
	engine := setupEngine(t)
	file := filepath.Join(t.TempDir(), "rework.yaml")
	require.NoError(t, os.WriteFile(file, []byte(reworkYAML), 0o600))

	runner, err := NewHolidayRunner(engine, config.RunnerConfig{ProcessResource: file, MaxRounds: 3},
		WithDecider(always(false)), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, "rework", runner.processKey)
	assert.Equal(t, "rework.yaml", runner.resourceName)

	err = runner.Run(context.Background())
	assert.True(t, errors.Is(err, ErrTooManyRounds), err)
}

func TestNewHolidayRunner_Invalid(t *testing.T) {
	_, err := NewHolidayRunner(nil, config.RunnerConfig{})
	assert.Error(t, err)

	engine := setupEngine(t)
	_, err = NewHolidayRunner(engine, config.RunnerConfig{ProcessResource: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	runner, err := NewHolidayRunner(engine, config.RunnerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 100, runner.maxRounds)
}

func TestRandomDecider(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.True(t, RandomDecider(1)(nil))
		assert.False(t, RandomDecider(0)(nil))
	}
}
