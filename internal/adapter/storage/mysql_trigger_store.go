package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

const triggerAccessLock = "TRIGGER_ACCESS"

// SchedulerSchema is the job store: definitions, triggers, fire state and cluster locks.
var SchedulerSchema = []string{
	`CREATE TABLE IF NOT EXISTS scheduler_jobs (
	sched_name VARCHAR(120) NOT NULL,
	job_group VARCHAR(150) NOT NULL,
	job_name VARCHAR(190) NOT NULL,
	payload BLOB NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (sched_name, job_group, job_name)
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS scheduler_triggers (
	sched_name VARCHAR(120) NOT NULL,
	job_group VARCHAR(150) NOT NULL,
	job_name VARCHAR(190) NOT NULL,
	next_fire_at BIGINT NOT NULL,
	misfire_policy VARCHAR(16) NOT NULL,
	state VARCHAR(16) NOT NULL,
	acquired_by VARCHAR(200) NULL,
	acquired_at BIGINT NULL,
	attempts INT NOT NULL DEFAULT 0,
	PRIMARY KEY (sched_name, job_group, job_name),
	KEY idx_scheduler_triggers_due (sched_name, state, next_fire_at),
	CONSTRAINT fk_scheduler_triggers_job FOREIGN KEY (sched_name, job_group, job_name)
		REFERENCES scheduler_jobs (sched_name, job_group, job_name) ON DELETE CASCADE
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS scheduler_fired (
	sched_name VARCHAR(120) NOT NULL,
	entry_id VARCHAR(64) NOT NULL,
	job_group VARCHAR(150) NOT NULL,
	job_name VARCHAR(190) NOT NULL,
	instance_name VARCHAR(200) NOT NULL,
	fired_at BIGINT NOT NULL,
	scheduled_at BIGINT NOT NULL,
	PRIMARY KEY (sched_name, entry_id),
	KEY idx_scheduler_fired_job (sched_name, job_group, job_name)
) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS scheduler_locks (
	sched_name VARCHAR(120) NOT NULL,
	lock_name VARCHAR(40) NOT NULL,
	PRIMARY KEY (sched_name, lock_name)
) ENGINE=InnoDB`,
}

type triggerRow struct {
	JobGroup   string         `db:"job_group"`
	JobName    string         `db:"job_name"`
	Payload    []byte         `db:"payload"`
	NextFireAt int64          `db:"next_fire_at"`
	Misfire    string         `db:"misfire_policy"`
	State      string         `db:"state"`
	AcquiredBy sql.NullString `db:"acquired_by"`
	AcquiredAt sql.NullInt64  `db:"acquired_at"`
	Attempts   int            `db:"attempts"`
}

func (r triggerRow) toDomain() domain.ScheduledJob {
	job := domain.ScheduledJob{
		Group:      r.JobGroup,
		Name:       r.JobName,
		Payload:    r.Payload,
		FireAt:     time.UnixMilli(r.NextFireAt).UTC(),
		Misfire:    domain.MisfirePolicy(r.Misfire),
		State:      domain.TriggerState(r.State),
		AcquiredBy: r.AcquiredBy.String,
		Attempts:   r.Attempts,
	}
	if r.AcquiredAt.Valid {
		t := time.UnixMilli(r.AcquiredAt.Int64).UTC()
		job.AcquiredAt = &t
	}
	return job
}

// MySQLTriggerStore persists fire-once jobs; sched isolates schedulers sharing a database.
type MySQLTriggerStore struct {
	db    *sqlx.DB
	sched string
}

func NewMySQLTriggerStore(db *sqlx.DB, schedName string) *MySQLTriggerStore {
	return &MySQLTriggerStore{db: db, sched: schedName}
}

func (m *MySQLTriggerStore) Provision(ctx context.Context) error {
	if err := ApplySchema(ctx, m.db, SchedulerSchema); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO scheduler_locks (sched_name, lock_name) VALUES (?, ?)`, m.sched, triggerAccessLock)
	if err != nil {
		return fmt.Errorf("seed scheduler lock: %w", err)
	}
	return nil
}

func (m *MySQLTriggerStore) Schedule(ctx context.Context, job domain.ScheduledJob) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (sched_name, job_group, job_name, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload)`,
		m.sched, job.Group, job.Name, job.Payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduler_triggers (sched_name, job_group, job_name, next_fire_at, misfire_policy, state, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE next_fire_at = VALUES(next_fire_at), misfire_policy = VALUES(misfire_policy),
			state = VALUES(state), acquired_by = NULL, acquired_at = NULL, attempts = 0`,
		m.sched, job.Group, job.Name, job.FireAt.UnixMilli(), string(job.Misfire), string(domain.TriggerWaiting),
	)
	if err != nil {
		return fmt.Errorf("upsert trigger: %w", err)
	}
	return tx.Commit()
}

func (m *MySQLTriggerStore) Unschedule(ctx context.Context, group, name string) (bool, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	removed, err := m.deleteJob(ctx, tx, group, name)
	if err != nil {
		return false, err
	}
	return removed, tx.Commit()
}

func (m *MySQLTriggerStore) deleteJob(ctx context.Context, tx *sqlx.Tx, group, name string) (bool, error) {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scheduler_fired WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		m.sched, group, name); err != nil {
		return false, fmt.Errorf("delete fired rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scheduler_triggers WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		m.sched, group, name); err != nil {
		return false, fmt.Errorf("delete trigger: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scheduler_jobs WHERE sched_name = ? AND job_group = ? AND job_name = ?`,
		m.sched, group, name)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (m *MySQLTriggerStore) Get(ctx context.Context, group, name string) (*domain.ScheduledJob, error) {
	var row triggerRow
	err := m.db.GetContext(ctx, &row, `
		SELECT t.job_group, t.job_name, j.payload, t.next_fire_at, t.misfire_policy, t.state,
			t.acquired_by, t.acquired_at, t.attempts
		FROM scheduler_triggers t
		JOIN scheduler_jobs j ON j.sched_name = t.sched_name AND j.job_group = t.job_group AND j.job_name = t.job_name
		WHERE t.sched_name = ? AND t.job_group = ? AND t.job_name = ?`,
		m.sched, group, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trigger: %w", err)
	}
	job := row.toDomain()
	return &job, nil
}

// AcquireDue serializes acquisition across nodes through the TRIGGER_ACCESS lock row.
func (m *MySQLTriggerStore) AcquireDue(ctx context.Context, instance string, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lock string
	err = tx.GetContext(ctx, &lock,
		`SELECT lock_name FROM scheduler_locks WHERE sched_name = ? AND lock_name = ? FOR UPDATE`,
		m.sched, triggerAccessLock)
	if err != nil {
		return nil, fmt.Errorf("take trigger lock: %w", err)
	}

	var rows []triggerRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT t.job_group, t.job_name, j.payload, t.next_fire_at, t.misfire_policy, t.state,
			t.acquired_by, t.acquired_at, t.attempts
		FROM scheduler_triggers t
		JOIN scheduler_jobs j ON j.sched_name = t.sched_name AND j.job_group = t.job_group AND j.job_name = t.job_name
		WHERE t.sched_name = ? AND t.state = ? AND t.next_fire_at <= ?
		ORDER BY t.next_fire_at ASC
		LIMIT ?`,
		m.sched, string(domain.TriggerWaiting), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due triggers: %w", err)
	}

	nowMs := now.UnixMilli()
	jobs := make([]domain.ScheduledJob, 0, len(rows))
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			UPDATE scheduler_triggers SET state = ?, acquired_by = ?, acquired_at = ?, attempts = attempts + 1
			WHERE sched_name = ? AND job_group = ? AND job_name = ? AND state = ?`,
			string(domain.TriggerAcquired), instance, nowMs, m.sched, r.JobGroup, r.JobName, string(domain.TriggerWaiting))
		if err != nil {
			return nil, fmt.Errorf("acquire trigger %s/%s: %w", r.JobGroup, r.JobName, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduler_fired (sched_name, entry_id, job_group, job_name, instance_name, fired_at, scheduled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.sched, uuid.NewString(), r.JobGroup, r.JobName, instance, nowMs, r.NextFireAt)
		if err != nil {
			return nil, fmt.Errorf("record fired trigger: %w", err)
		}

		job := r.toDomain()
		at := time.UnixMilli(nowMs).UTC()
		job.State = domain.TriggerAcquired
		job.AcquiredBy = instance
		job.AcquiredAt = &at
		job.Attempts++
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquisition: %w", err)
	}
	return jobs, nil
}

// Complete deletes the job only if the trigger is still the acquisition being completed.
func (m *MySQLTriggerStore) Complete(ctx context.Context, job domain.ScheduledJob) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.GetContext(ctx, &state, `
		SELECT state FROM scheduler_triggers
		WHERE sched_name = ? AND job_group = ? AND job_name = ? AND state = ? AND acquired_by = ? AND next_fire_at = ?
		FOR UPDATE`,
		m.sched, job.Group, job.Name, string(domain.TriggerAcquired), job.AcquiredBy, job.FireAt.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock fired trigger: %w", err)
	}

	if _, err := m.deleteJob(ctx, tx, job.Group, job.Name); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLTriggerStore) Retry(ctx context.Context, job domain.ScheduledJob, nextFireAt time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE scheduler_triggers SET state = ?, acquired_by = NULL, acquired_at = NULL, next_fire_at = ?
		WHERE sched_name = ? AND job_group = ? AND job_name = ? AND state = ? AND acquired_by = ? AND next_fire_at = ?`,
		string(domain.TriggerWaiting), nextFireAt.UnixMilli(),
		m.sched, job.Group, job.Name, string(domain.TriggerAcquired), job.AcquiredBy, job.FireAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("retry trigger: %w", err)
	}
	return nil
}

func (m *MySQLTriggerStore) RecoverOrphans(ctx context.Context, acquiredBefore time.Time) (int, error) {
	cutoff := acquiredBefore.UnixMilli()
	res, err := m.db.ExecContext(ctx, `
		UPDATE scheduler_triggers SET state = ?, acquired_by = NULL, acquired_at = NULL
		WHERE sched_name = ? AND state = ? AND acquired_at < ?`,
		string(domain.TriggerWaiting), m.sched, string(domain.TriggerAcquired), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned triggers: %w", err)
	}
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM scheduler_fired WHERE sched_name = ? AND fired_at < ?`, m.sched, cutoff); err != nil {
		return 0, fmt.Errorf("prune fired rows: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
