// Package workflow 是一个嵌入式的流程引擎。
//
// 流程用 YAML 或 JSON 描述，部署之后按 key 启动最新版本。
// 引擎是单令牌执行：启动或者完成任务时同步推进流程，直到遇到用户任务或者结束节点。
//
// 主要特性：
//   - 节点类型：开始、结束、用户任务、服务任务、排他网关
//   - 服务任务通过 RegisterDelegate 注册的委托执行，panic 会被转换成错误
//   - 数据持久化：支持 GORM，每次推进都在一个事务里面
//   - 并发安全：一个流程实例同一时间只能被一个 goroutine 推进，支持本地锁和 Redis 锁
//   - 引擎注册表：NewProcessEngine 注册，DestroyProcessEngines 统一关闭
//
// 基础使用示例:
//
//	db, _ := gorm.Open(sqlite.Open("flowchain.db"), &gorm.Config{})
//	db.AutoMigrate(workflow.AllModels()...)
//
//	engine, _ := workflow.NewProcessEngine("default", workflow.NewProcessRepo(db), workflow.NewLocalInstanceLock())
//	defer workflow.DestroyProcessEngines()
//
//	workflow.RegisterDelegate("sendRejectionMail", workflow.DelegateFunc(
//	    func(ctx context.Context, execution *workflow.DelegateExecution) error {
//	        employee, _ := execution.Variables.GetString("employee")
//	        log.Printf("rejection mail sent to %s", employee)
//	        return nil
//	    },
//	))
//
//	engine.RepositoryService().CreateDeployment(ctx, &workflow.CreateDeploymentReq{
//	    Name:     "holiday",
//	    Resource: holidayRequestYAML,
//	})
//	instance, _ := engine.RuntimeService().StartProcessInstanceByKey(ctx, &workflow.StartProcessInstanceReq{
//	    ProcessKey: "holidayRequest",
//	    Variables:  map[string]any{"employee": "kermit", "nrOfHolidays": 3},
//	})
//	tasks, _ := engine.TaskService().ListTasks(ctx, &workflow.QueryTaskParams{ProcessInstanceID: &instance.ID})
//	engine.TaskService().CompleteTask(ctx, tasks[0].ID, map[string]any{"approved": false})
//
// 排他网关按顺序检查连线条件，变量值和 equals 在 JSON 表示上相同即为满足，
// 都不满足时走没有条件的默认连线。
package workflow
