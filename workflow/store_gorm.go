package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type DeploymentPo struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name         string `gorm:"column:name" json:"name"`
	ResourceName string `gorm:"column:resource_name" json:"resource_name"`
	Resource     []byte `gorm:"column:resource" json:"resource"` // 原始流程配置
	DeployedAt   int64  `gorm:"column:deployed_at" json:"deployed_at"`
}

func (DeploymentPo) TableName() string {
	return "deployment"
}

type ProcessDefinitionPo struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeploymentID int64  `gorm:"column:deployment_id;index" json:"deployment_id"`
	Key          string `gorm:"column:process_key;index" json:"process_key"`
	Name         string `gorm:"column:name" json:"name"`
	Version      int64  `gorm:"column:version" json:"version"`
	CreatedAt    int64  `gorm:"column:created_at" json:"created_at"`
}

func (ProcessDefinitionPo) TableName() string {
	return "process_definition"
}

type ProcessInstancePo struct {
	ID                  int64                 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProcessDefinitionID int64                 `gorm:"column:process_definition_id;index" json:"process_definition_id"`
	ProcessKey          string                `gorm:"column:process_key" json:"process_key"`
	BusinessKey         string                `gorm:"column:business_key" json:"business_key"`
	Status              ProcessInstanceStatus `gorm:"column:status" json:"status"`
	Variables           []byte                `gorm:"column:variables" json:"variables"` // 流程变量
	CurrentNodeID       string                `gorm:"column:current_node_id" json:"current_node_id"`
	DeleteReason        string                `gorm:"column:delete_reason" json:"delete_reason"`
	CreatedAt           int64                 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           int64                 `gorm:"column:updated_at" json:"updated_at"`
	EndedAt             int64                 `gorm:"column:ended_at" json:"ended_at"`
}

func (ProcessInstancePo) TableName() string {
	return "process_instance"
}

type TaskPo struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ProcessInstanceID int64      `gorm:"column:process_instance_id;index"`
	NodeID            string     `gorm:"column:node_id"`
	Name              string     `gorm:"column:name"`
	Assignee          string     `gorm:"column:assignee"`
	Status            TaskStatus `gorm:"column:status"`
	CreatedAt         int64      `gorm:"column:created_at"`
	UpdatedAt         int64      `gorm:"column:updated_at"`
	CompletedAt       int64      `gorm:"column:completed_at"`
}

func (TaskPo) TableName() string {
	return "task"
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&DeploymentPo{}, &ProcessDefinitionPo{}, &ProcessInstancePo{}, &TaskPo{}}
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryDeploymentParams struct {
	DeploymentID *int64  `json:"deployment_id"`
	Name         *string `json:"name"`
	Page         *Pager  `json:"page"`
}

type QueryProcessDefinitionParams struct {
	ProcessDefinitionID *int64  `json:"process_definition_id"`
	DeploymentIDIn      []int64 `json:"deployment_id_in"`
	Key                 *string `json:"key"`
	OrderbyVersionDesc  *bool   `json:"orderby_version_desc"`
	Page                *Pager  `json:"page"`
}

type QueryProcessInstanceParams struct {
	ProcessInstanceID     *int64   `json:"process_instance_id"`
	ProcessInstanceIDIn   []int64  `json:"process_instance_id_in"`
	ProcessDefinitionIDIn []int64  `json:"process_definition_id_in"`
	ProcessKey            *string  `json:"process_key"`
	BusinessKey           *string  `json:"business_key"`
	StatusIn              []string `json:"status_in"`
	OrderbyIDAsc          *bool    `json:"orderby_id_asc"`
	Page                  *Pager   `json:"page"`
}

type QueryTaskParams struct {
	TaskID                  *int64   `json:"task_id"`
	ProcessInstanceID       *int64   `json:"process_instance_id"`
	ProcessInstanceIDIn     []int64  `json:"process_instance_id_in"`
	StatusIn                []string `json:"status_in"`
	OrderbyIDAsc            *bool    `json:"orderby_id_asc"`
	IncludeProcessVariables bool     `json:"include_process_variables"` // 只在 TaskService 中使用, 仓库忽略
	Page                    *Pager   `json:"page"`
}

type UpdateProcessInstanceParams struct {
	Where    *UpdateProcessInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateProcessInstanceField `json:"field" validate:"required"`
	LimitMax int                         `json:"limit_max" validate:"required"`
}

type UpdateProcessInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateProcessInstanceField struct {
	Status        *string    `json:"status"`
	Variables     *Variables `json:"variables"`
	CurrentNodeID *string    `json:"current_node_id"`
	DeleteReason  *string    `json:"delete_reason"`
	EndedAt       *int64     `json:"ended_at"`
}

type UpdateTaskParams struct {
	Where    *UpdateTaskWhere `json:"where" validate:"required"`
	Fields   *UpdateTaskField `json:"field" validate:"required"`
	LimitMax int              `json:"limit_max" validate:"required"`
}

type UpdateTaskWhere struct {
	IDIn                []int64  `json:"id_in"`
	ProcessInstanceIDIn []int64  `json:"process_instance_id_in"`
	StatusIn            []string `json:"status_in"`
}

type UpdateTaskField struct {
	Status      *string `json:"status"`
	CompletedAt *int64  `json:"completed_at"`
}

type processRepo struct {
	db *gorm.DB
}

func NewProcessRepo(db *gorm.DB) ProcessRepo {
	return &processRepo{
		db: db,
	}
}

func (r *processRepo) CreateDeployment(ctx context.Context, deployment *DeploymentPo) (*DeploymentPo, error) {
	if deployment == nil {
		return nil, errors.New("nil DeploymentPo")
	}
	deployment.DeployedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(deployment).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateDeployment failed")
	}
	return deployment, nil
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func (r *processRepo) QueryDeployment(ctx context.Context, param *QueryDeploymentParams) ([]*DeploymentPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryDeploymentParams")
	}
	db := r.GetDBWithContext(ctx).Model(&DeploymentPo{})
	if param.DeploymentID != nil {
		db = db.Where("id = ?", *param.DeploymentID)
	}
	if param.Name != nil {
		db = db.Where("name = ?", *param.Name)
	}
	db, err := applyPager(db.Order("id asc"), param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "applyPager failed")
	}
	pos := make([]*DeploymentPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryDeployment failed")
	}
	return pos, nil
}

func (r *processRepo) DeleteDeployment(ctx context.Context, deploymentIDs []int64) error {
	if len(deploymentIDs) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Where("id IN ?", deploymentIDs).Delete(&DeploymentPo{}).Error; err != nil {
		return errors.WithMessage(err, "DeleteDeployment failed")
	}
	return nil
}

func (r *processRepo) CreateProcessDefinition(ctx context.Context, definition *ProcessDefinitionPo) (*ProcessDefinitionPo, error) {
	if definition == nil {
		return nil, errors.New("nil ProcessDefinitionPo")
	}
	definition.CreatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(definition).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateProcessDefinition failed")
	}
	return definition, nil
}

func (r *processRepo) QueryProcessDefinition(ctx context.Context, param *QueryProcessDefinitionParams) ([]*ProcessDefinitionPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryProcessDefinitionParams")
	}
	db := r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{})
	if param.ProcessDefinitionID != nil {
		db = db.Where("id = ?", *param.ProcessDefinitionID)
	}
	if len(param.DeploymentIDIn) != 0 {
		db = db.Where("deployment_id IN ?", param.DeploymentIDIn)
	}
	if param.Key != nil {
		db = db.Where("process_key = ?", *param.Key)
	}
	if param.OrderbyVersionDesc != nil && *param.OrderbyVersionDesc {
		db = db.Order("version desc")
	} else {
		db = db.Order("id asc")
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "applyPager failed")
	}
	pos := make([]*ProcessDefinitionPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryProcessDefinition failed")
	}
	return pos, nil
}

func (r *processRepo) DeleteProcessDefinition(ctx context.Context, deploymentIDs []int64) error {
	if len(deploymentIDs) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Where("deployment_id IN ?", deploymentIDs).Delete(&ProcessDefinitionPo{}).Error; err != nil {
		return errors.WithMessage(err, "DeleteProcessDefinition failed")
	}
	return nil
}

func (r *processRepo) CreateProcessInstance(ctx context.Context, instance *ProcessInstancePo) (*ProcessInstancePo, error) {
	if instance == nil {
		return nil, errors.New("nil ProcessInstancePo")
	}
	instance.CreatedAt = time.Now().Unix()
	instance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(instance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateProcessInstance failed")
	}
	return instance, nil
}

func buildQueryProcessInstanceParams(db *gorm.DB, isCount bool, param *QueryProcessInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryProcessInstanceParams")
	}
	if param.ProcessInstanceID != nil {
		db = db.Where("id = ?", *param.ProcessInstanceID)
	}
	if len(param.ProcessInstanceIDIn) != 0 {
		db = db.Where("id IN ?", param.ProcessInstanceIDIn)
	}
	if len(param.ProcessDefinitionIDIn) != 0 {
		db = db.Where("process_definition_id IN ?", param.ProcessDefinitionIDIn)
	}
	if param.ProcessKey != nil {
		db = db.Where("process_key = ?", *param.ProcessKey)
	}
	if param.BusinessKey != nil {
		db = db.Where("business_key = ?", *param.BusinessKey)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	return applyPager(db, param.Page)
}

func (r *processRepo) QueryProcessInstance(ctx context.Context, param *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	db := r.GetDBWithContext(ctx).Model(&ProcessInstancePo{})
	db, err := buildQueryProcessInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryProcessInstanceParams failed")
	}
	pos := make([]*ProcessInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryProcessInstance failed")
	}
	return pos, nil
}

func (r *processRepo) CountProcessInstance(ctx context.Context, param *QueryProcessInstanceParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&ProcessInstancePo{})
	db, err := buildQueryProcessInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryProcessInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountProcessInstance failed")
	}
	return count, nil
}

func buildUpdateProcessInstanceFields(fields *UpdateProcessInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Variables != nil {
		b, err := fields.Variables.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Variables failed")
		}
		updateFields["variables"] = b
	}
	if fields.CurrentNodeID != nil {
		updateFields["current_node_id"] = *fields.CurrentNodeID
	}
	if fields.DeleteReason != nil {
		updateFields["delete_reason"] = *fields.DeleteReason
	}
	if fields.EndedAt != nil {
		updateFields["ended_at"] = *fields.EndedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *processRepo) UpdateProcessInstance(ctx context.Context, param *UpdateProcessInstanceParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "UpdateProcessInstance failed, err: %v", err)
	}
	db := r.GetDBWithContext(ctx).Model(&ProcessInstancePo{})
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return errors.New("update process instance need where condition")
	}
	updateFields, err := buildUpdateProcessInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateProcessInstanceFields failed")
	}
	if err := db.Limit(param.LimitMax).Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateProcessInstance failed")
	}
	return nil
}

func (r *processRepo) DeleteProcessInstance(ctx context.Context, processDefinitionIDs []int64) error {
	if len(processDefinitionIDs) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Where("process_definition_id IN ?", processDefinitionIDs).Delete(&ProcessInstancePo{}).Error; err != nil {
		return errors.WithMessage(err, "DeleteProcessInstance failed")
	}
	return nil
}

func (r *processRepo) CreateTask(ctx context.Context, task *TaskPo) (*TaskPo, error) {
	if task == nil {
		return nil, errors.New("nil TaskPo")
	}
	task.CreatedAt = time.Now().Unix()
	task.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(task).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateTask failed")
	}
	return task, nil
}

func (r *processRepo) QueryTask(ctx context.Context, param *QueryTaskParams) ([]*TaskPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskParams")
	}
	db := r.GetDBWithContext(ctx).Model(&TaskPo{})
	if param.TaskID != nil {
		db = db.Where("id = ?", *param.TaskID)
	}
	if param.ProcessInstanceID != nil {
		db = db.Where("process_instance_id = ?", *param.ProcessInstanceID)
	}
	if len(param.ProcessInstanceIDIn) != 0 {
		db = db.Where("process_instance_id IN ?", param.ProcessInstanceIDIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "applyPager failed")
	}
	pos := make([]*TaskPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryTask failed")
	}
	return pos, nil
}

func (r *processRepo) UpdateTask(ctx context.Context, param *UpdateTaskParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "UpdateTask failed, err: %v", err)
	}
	db := r.GetDBWithContext(ctx).Model(&TaskPo{})
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.ProcessInstanceIDIn) > 0 {
		isHasWhere = true
		db = db.Where("process_instance_id IN ?", param.Where.ProcessInstanceIDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return errors.New("update task need id or process instance condition")
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.CompletedAt != nil {
		updateFields["completed_at"] = *param.Fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	if err := db.Limit(param.LimitMax).Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateTask failed")
	}
	return nil
}

func (r *processRepo) DeleteTask(ctx context.Context, processInstanceIDs []int64) error {
	if len(processInstanceIDs) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Where("process_instance_id IN ?", processInstanceIDs).Delete(&TaskPo{}).Error; err != nil {
		return errors.WithMessage(err, "DeleteTask failed")
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// GetDBWithContext 在事务中时返回事务的 db
func (r *processRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok {
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction 嵌套调用时复用外层事务
func (r *processRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
