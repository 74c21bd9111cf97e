package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	driver "github.com/go-sql-driver/mysql"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/settlement"
)

const jobColumns = `id, intent_id, filler, declared_output, fingerprint, run_id, status, attempts, max_retries,
        last_error, error_code, created_at, updated_at`

// SettlementStore 使用 MySQL 持久化结算任务，领取通过带条件的 UPDATE 完成。
type SettlementStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSettlementStore 基于已有连接池创建 SettlementStore。
func NewSettlementStore(db *sql.DB) *SettlementStore {
	return &SettlementStore{db: db, now: time.Now}
}

// Create 实现 settlement.Store。
func (s *SettlementStore) Create(ctx context.Context, job *settlement.Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算任务 ID 不能为空")
	}
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	const stmt = `INSERT INTO settlement_jobs
        (id, intent_id, filler, declared_output, fingerprint, run_id, status, attempts, max_retries,
        last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.IntentID,
		job.Filler.Hex(),
		job.DeclaredOutput,
		job.Fingerprint,
		job.RunID,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.LastError,
		job.ErrorCode,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var myErr *driver.MySQLError
		if stdErrors.As(err, &myErr) && myErr.Number == 1062 {
			return settlement.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算任务失败")
	}
	return nil
}

// Get 实现 settlement.Store。
func (s *SettlementStore) Get(ctx context.Context, id string) (*settlement.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM settlement_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, settlement.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算任务失败")
	}
	return job, nil
}

// Claim 实现 settlement.Store。
func (s *SettlementStore) Claim(ctx context.Context, id string) (*settlement.Job, error) {
	const stmt = `UPDATE settlement_jobs
        SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`
	res, err := s.db.ExecContext(ctx, stmt,
		string(settlement.StatusRunning), s.now().Unix(), id, string(settlement.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取结算任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return job, nil
	}
	switch {
	case job.Status == settlement.StatusSettled:
		return job, settlement.ErrJobCompleted
	case job.Status == settlement.StatusRunning:
		return job, settlement.ErrJobConflict
	default:
		return job, settlement.ErrJobExhausted
	}
}

// MarkSettled 实现 settlement.Store。
func (s *SettlementStore) MarkSettled(ctx context.Context, id string) error {
	const stmt = `UPDATE settlement_jobs SET status = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.exec(ctx, stmt, string(settlement.StatusSettled), s.now().Unix(), id)
}

// MarkFailed 实现 settlement.Store。
func (s *SettlementStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	if terminal {
		const stmt = `UPDATE settlement_jobs
        SET status = ?, attempts = GREATEST(attempts, max_retries), last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`
		return s.exec(ctx, stmt, string(settlement.StatusFailed), lastError, string(code), s.now().Unix(), id)
	}
	const stmt = `UPDATE settlement_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, stmt, string(settlement.StatusPending), lastError, string(code), s.now().Unix(), id)
}

func (s *SettlementStore) exec(ctx context.Context, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		return settlement.ErrJobNotFound
	}
	return nil
}

// List 实现 settlement.Store。
func (s *SettlementStore) List(ctx context.Context, opts settlement.ListOptions) ([]*settlement.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if opts.IntentID != 0 {
		where = append(where, "intent_id = ?")
		args = append(args, opts.IntentID)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + jobColumns + ` FROM settlement_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算任务列表失败")
	}
	defer rows.Close()
	var out []*settlement.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算任务失败")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算任务失败")
	}
	return out, nil
}

// Close 连接池由调用方管理。
func (s *SettlementStore) Close() error { return nil }

func scanJob(row rowScanner) (*settlement.Job, error) {
	var (
		job       settlement.Job
		filler    string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.IntentID,
		&filler,
		&job.DeclaredOutput,
		&job.Fingerprint,
		&job.RunID,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Filler = common.HexToAddress(filler)
	job.Status = settlement.Status(status)
	job.LastError = lastError.String
	return &job, nil
}

var _ settlement.Store = (*SettlementStore)(nil)
