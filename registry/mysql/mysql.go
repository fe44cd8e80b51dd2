package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mysqldriver "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMysqlRegistry creates a registry stored in a MySQL database and
// applies any pending schema migrations.
func NewMysqlRegistry(host string, port int, user, password, database string) registry.Registry {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	r := &mysqlRegistry{db: db}

	if err := r.migrateSchema(dsn); err != nil {
		panic(err)
	}

	return r
}

type mysqlRegistry struct {
	db *sql.DB
}

var _ registry.Registry = (*mysqlRegistry)(nil)

func (r *mysqlRegistry) migrateSchema(dsn string) error {
	schemaDB, err := sql.Open("mysql", dsn+"&multiStatements=true")
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mysqldriver.WithInstance(schemaDB, &mysqldriver.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := schemaDB.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	return nil
}

func (r *mysqlRegistry) Close() error {
	return r.db.Close()
}

func (r *mysqlRegistry) SaveModel(ctx context.Context, model *bpm.WorkflowModel) error {
	res, err := r.db.ExecContext(
		ctx,
		"INSERT INTO `wkf_models` (code, name, version, status) VALUES (?, ?, ?, ?)",
		model.Code, model.Name, model.Version, model.Status,
	)
	if err != nil {
		return fmt.Errorf("could not insert workflow model: %w", err)
	}

	model.ID, err = res.LastInsertId()

	return err
}

func (r *mysqlRegistry) SaveProcess(ctx context.Context, process *bpm.WorkflowProcess) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if process.Model != nil && process.Model.ID == 0 {
		res, err := tx.ExecContext(
			ctx,
			"INSERT INTO `wkf_models` (code, name, version, status) VALUES (?, ?, ?, ?)",
			process.Model.Code, process.Model.Name, process.Model.Version, process.Model.Status,
		)
		if err != nil {
			return fmt.Errorf("could not insert workflow model: %w", err)
		}

		if process.Model.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(
		ctx,
		"INSERT INTO `wkf_processes` (process_id, name, model_ref) VALUES (?, ?, ?)",
		process.ProcessID, process.Name, process.Model.ID,
	)
	if err != nil {
		return fmt.Errorf("could not insert workflow process: %w", err)
	}

	if process.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for position, config := range process.Configs {
		res, err := tx.ExecContext(
			ctx,
			"INSERT INTO `wkf_process_configs` (process_ref, position, model, is_start_model, process_path, path_condition) VALUES (?, ?, ?, ?, ?, ?)",
			process.ID, position, config.Model, config.IsStartModel, config.ProcessPath, config.PathCondition,
		)
		if err != nil {
			return fmt.Errorf("could not insert process config: %w", err)
		}

		if config.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		config.Process = process
	}

	return tx.Commit()
}

func (r *mysqlRegistry) SaveTaskConfig(ctx context.Context, config *bpm.TaskConfig) error {
	res, err := r.db.ExecContext(
		ctx,
		`INSERT INTO `+"`wkf_task_configs`"+` (process_ref, name, model, call_model, call_link, call_link_condition,
			user_path, team_path, role_name, deadline_field_path, task_email_title, notification_email, email_event, create_task, buttons)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		config.Process.ID, config.Name, config.Model, config.CallModel, config.CallLink, config.CallLinkCondition,
		config.UserPath, config.TeamPath, config.RoleName, config.DeadlineFieldPath, config.TaskEmailTitle,
		config.NotificationEmail, config.EmailEvent, config.CreateTask, strings.Join(config.Buttons, ","),
	)
	if err != nil {
		return fmt.Errorf("could not insert task config: %w", err)
	}

	config.ID, err = res.LastInsertId()

	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadProcess(ctx context.Context, q querier, where string, arg any) (*bpm.WorkflowProcess, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT p.id, p.process_id, p.name, m.id, m.code, m.name, m.version, m.status
			FROM `+"`wkf_processes`"+` p JOIN `+"`wkf_models`"+` m ON m.id = p.model_ref WHERE `+where,
		arg,
	)

	process := &bpm.WorkflowProcess{Model: &bpm.WorkflowModel{}}
	if err := row.Scan(
		&process.ID, &process.ProcessID, &process.Name,
		&process.Model.ID, &process.Model.Code, &process.Model.Name, &process.Model.Version, &process.Model.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bpm.ErrConfigNotFound
		}

		return nil, fmt.Errorf("could not get workflow process: %w", err)
	}

	rows, err := q.QueryContext(
		ctx,
		"SELECT id, model, is_start_model, process_path, path_condition FROM `wkf_process_configs` WHERE process_ref = ? ORDER BY position",
		process.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not get process configs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		config := &bpm.ProcessConfig{Process: process}
		if err := rows.Scan(&config.ID, &config.Model, &config.IsStartModel, &config.ProcessPath, &config.PathCondition); err != nil {
			return nil, err
		}

		process.Configs = append(process.Configs, config)
	}

	return process, rows.Err()
}

func (r *mysqlRegistry) ProcessByDefinitionID(ctx context.Context, processDefinitionID string) (*bpm.WorkflowProcess, error) {
	return loadProcess(ctx, r.db, "p.process_id = ?", processDefinitionID)
}

const taskConfigColumns = `t.id, t.name, t.model, t.call_model, t.call_link, t.call_link_condition,
	t.user_path, t.team_path, t.role_name, t.deadline_field_path, t.task_email_title,
	t.notification_email, t.email_event, t.create_task, t.buttons, p.process_id`

func scanTaskConfig(scan func(dest ...any) error) (*bpm.TaskConfig, string, error) {
	config := &bpm.TaskConfig{}

	var buttons, processDefinitionID string
	if err := scan(
		&config.ID, &config.Name, &config.Model, &config.CallModel, &config.CallLink, &config.CallLinkCondition,
		&config.UserPath, &config.TeamPath, &config.RoleName, &config.DeadlineFieldPath, &config.TaskEmailTitle,
		&config.NotificationEmail, &config.EmailEvent, &config.CreateTask, &buttons, &processDefinitionID,
	); err != nil {
		return nil, "", err
	}

	if buttons != "" {
		config.Buttons = strings.Split(buttons, ",")
	}

	return config, processDefinitionID, nil
}

func (r *mysqlRegistry) TaskConfig(ctx context.Context, nodeID, processDefinitionID string) (*bpm.TaskConfig, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+taskConfigColumns+` FROM `+"`wkf_task_configs`"+` t
			JOIN `+"`wkf_processes`"+` p ON p.id = t.process_ref
			WHERE t.name = ? AND p.process_id = ?`,
		nodeID, processDefinitionID,
	)

	config, definitionID, err := scanTaskConfig(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bpm.ErrConfigNotFound
		}

		return nil, fmt.Errorf("could not get task config: %w", err)
	}

	if config.Process, err = r.ProcessByDefinitionID(ctx, definitionID); err != nil {
		return nil, err
	}

	return config, nil
}

func (r *mysqlRegistry) TaskConfigsByCallModel(ctx context.Context, model string) ([]*bpm.TaskConfig, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+taskConfigColumns+` FROM `+"`wkf_task_configs`"+` t
			JOIN `+"`wkf_processes`"+` p ON p.id = t.process_ref
			WHERE t.call_model = ? AND t.call_link <> ''`,
		model,
	)
	if err != nil {
		return nil, fmt.Errorf("could not get task configs: %w", err)
	}
	defer rows.Close()

	// Drain the cursor before resolving processes so the nested lookups do
	// not contend with it for a pooled connection.
	var configs []*bpm.TaskConfig
	var definitionIDs []string
	for rows.Next() {
		config, definitionID, err := scanTaskConfig(rows.Scan)
		if err != nil {
			return nil, err
		}

		configs = append(configs, config)
		definitionIDs = append(definitionIDs, definitionID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, config := range configs {
		if config.Process, err = r.ProcessByDefinitionID(ctx, definitionIDs[i]); err != nil {
			return nil, err
		}
	}

	return configs, nil
}

func (r *mysqlRegistry) ProcessConfigsByModel(ctx context.Context, model string) ([]*bpm.ProcessConfig, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT p.process_id FROM `+"`wkf_process_configs`"+` c
			JOIN `+"`wkf_processes`"+` p ON p.id = c.process_ref
			JOIN `+"`wkf_models`"+` m ON m.id = p.model_ref
			WHERE c.model = ?
			ORDER BY m.version DESC, p.id DESC, c.position`,
		model,
	)
	if err != nil {
		return nil, fmt.Errorf("could not get process configs: %w", err)
	}
	defer rows.Close()

	var definitionIDs []string
	seen := map[string]bool{}
	for rows.Next() {
		var definitionID string
		if err := rows.Scan(&definitionID); err != nil {
			return nil, err
		}

		if !seen[definitionID] {
			seen[definitionID] = true
			definitionIDs = append(definitionIDs, definitionID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var configs []*bpm.ProcessConfig
	for _, definitionID := range definitionIDs {
		process, err := r.ProcessByDefinitionID(ctx, definitionID)
		if err != nil {
			return nil, err
		}

		for _, config := range process.Configs {
			if config.Model == model {
				configs = append(configs, config)
			}
		}
	}

	return configs, nil
}

func (r *mysqlRegistry) FindByInstanceID(ctx context.Context, instanceID string) (*bpm.Instance, error) {
	row := r.db.QueryRowContext(
		ctx,
		"SELECT id, instance_id, name, process_ref, model_id, model_name, migration_status FROM `wkf_instances` WHERE instance_id = ?",
		instanceID,
	)

	instance := &bpm.Instance{}

	var processRef int64
	if err := row.Scan(
		&instance.ID, &instance.InstanceID, &instance.Name, &processRef,
		&instance.ModelID, &instance.ModelName, &instance.MigrationStatus,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bpm.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("could not get workflow instance: %w", err)
	}

	process, err := loadProcess(ctx, r.db, "p.id = ?", processRef)
	if err != nil {
		return nil, err
	}
	instance.Process = process

	rows, err := r.db.QueryContext(
		ctx,
		"SELECT id, version_code, version_id, created_on, updated_on FROM `wkf_migration_history` WHERE instance_ref = ? ORDER BY id DESC",
		instance.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not get migration history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		h := &bpm.MigrationHistory{}
		if err := rows.Scan(&h.ID, &h.VersionCode, &h.VersionID, &h.CreatedOn, &h.UpdatedOn); err != nil {
			return nil, err
		}

		instance.MigrationHistory = append(instance.MigrationHistory, h)
	}

	return instance, rows.Err()
}

func (r *mysqlRegistry) CreateInstance(ctx context.Context, instanceID string, process *bpm.WorkflowProcess) (*bpm.Instance, error) {
	existing, err := r.FindByInstanceID(ctx, instanceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, bpm.ErrInstanceNotFound) {
		return nil, err
	}

	// The unique key on instance_id resolves creation races: a losing
	// insert is ignored and the winner's row is returned below.
	if _, err := r.db.ExecContext(
		ctx,
		"INSERT IGNORE INTO `wkf_instances` (instance_id, name, process_ref) VALUES (?, ?, ?)",
		instanceID, bpm.InstanceName(process.ProcessID, instanceID), process.ID,
	); err != nil {
		return nil, fmt.Errorf("could not insert workflow instance: %w", err)
	}

	return r.FindByInstanceID(ctx, instanceID)
}

func (r *mysqlRegistry) BindModel(ctx context.Context, instanceID string, modelID int64, modelName string) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE `wkf_instances` SET model_id = ?, model_name = ? WHERE instance_id = ?",
		modelID, modelName, instanceID,
	); err != nil {
		return fmt.Errorf("could not bind model: %w", err)
	}

	return nil
}

func (r *mysqlRegistry) Migrate(ctx context.Context, instance *bpm.Instance, process *bpm.WorkflowProcess, status bpm.MigrationStatus) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	previousModel := instance.Process.Model
	sameModel := previousModel.ID == process.Model.ID

	now := time.Now().UTC()

	var newest *bpm.MigrationHistory
	if len(instance.MigrationHistory) > 0 {
		newest = instance.MigrationHistory[0]
	}

	if newest != nil && sameModel {
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE `wkf_migration_history` SET updated_on = ? WHERE id = ?",
			now, newest.ID,
		); err != nil {
			return fmt.Errorf("could not update migration history: %w", err)
		}

		newest.UpdatedOn = now
	} else {
		res, err := tx.ExecContext(
			ctx,
			"INSERT INTO `wkf_migration_history` (instance_ref, version_code, version_id, created_on, updated_on) VALUES (?, ?, ?, ?, ?)",
			instance.ID, previousModel.Code, previousModel.ID, now, now,
		)
		if err != nil {
			return fmt.Errorf("could not insert migration history: %w", err)
		}

		entry := &bpm.MigrationHistory{
			VersionCode: previousModel.Code,
			VersionID:   previousModel.ID,
			CreatedOn:   now,
			UpdatedOn:   now,
		}
		if entry.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		instance.MigrationHistory = append([]*bpm.MigrationHistory{entry}, instance.MigrationHistory...)
	}

	name := bpm.InstanceName(process.ProcessID, instance.InstanceID)
	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `wkf_instances` SET process_ref = ?, name = ?, migration_status = ? WHERE id = ?",
		process.ID, name, status, instance.ID,
	); err != nil {
		return fmt.Errorf("could not migrate workflow instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	instance.Process = process
	instance.Name = name
	instance.MigrationStatus = status

	return nil
}

func (r *mysqlRegistry) RemoveInstance(ctx context.Context, instance *bpm.Instance) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM `wkf_migration_history` WHERE instance_ref = ?", instance.ID); err != nil {
		return fmt.Errorf("could not delete migration history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM `wkf_instances` WHERE id = ?", instance.ID); err != nil {
		return fmt.Errorf("could not delete workflow instance: %w", err)
	}

	return tx.Commit()
}

func (r *mysqlRegistry) ModelNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT model FROM `wkf_process_configs`")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

func (r *mysqlRegistry) ButtonNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT buttons FROM `wkf_task_configs` WHERE buttons <> ''")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var buttons string
		if err := rows.Scan(&buttons); err != nil {
			return nil, err
		}

		names = append(names, strings.Split(buttons, ",")...)
	}

	return names, rows.Err()
}
