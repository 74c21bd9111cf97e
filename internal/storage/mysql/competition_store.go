package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"IntentArena/internal/competition"
	xerrors "IntentArena/internal/errors"
)

// CompetitionStore 把竞价摘要写入 competitions 表。
type CompetitionStore struct {
	db *sql.DB
}

// NewCompetitionStore 基于已有连接池创建 CompetitionStore。
func NewCompetitionStore(db *sql.DB) *CompetitionStore {
	return &CompetitionStore{db: db}
}

// Append 实现 competition.HistoryStore。
func (s *CompetitionStore) Append(ctx context.Context, rec competition.Record) error {
	const stmt = `INSERT INTO competitions
        (run_id, token_in, token_out, amount_in, solvers, valid_count, winner, winner_output,
        fingerprint, override_used, refusal_reason, risk_analyzed, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	winnerOutput := ""
	if rec.Winner != "" {
		winnerOutput = rec.WinnerOutput.String()
	}
	_, err := s.db.ExecContext(ctx, stmt,
		rec.RunID,
		rec.TokenIn,
		rec.TokenOut,
		rec.AmountIn.String(),
		rec.Solvers,
		rec.ValidCount,
		rec.Winner,
		winnerOutput,
		rec.Fingerprint,
		rec.OverrideUsed,
		rec.RefusalReason,
		rec.RiskAnalyzed,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入竞价记录失败", xerrors.WithMetadata("run_id", rec.RunID))
	}
	return nil
}

// Recent 实现 competition.HistoryStore。
func (s *CompetitionStore) Recent(ctx context.Context, limit int) ([]competition.Record, error) {
	const query = `SELECT run_id, token_in, token_out, amount_in, solvers, valid_count, winner, winner_output,
        fingerprint, override_used, refusal_reason, risk_analyzed, created_at
        FROM competitions ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, competition.NormalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询竞价记录失败")
	}
	defer rows.Close()

	var records []competition.Record
	for rows.Next() {
		var (
			rec                    competition.Record
			amountIn, winnerOutput string
			createdAt              int64
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.TokenIn,
			&rec.TokenOut,
			&amountIn,
			&rec.Solvers,
			&rec.ValidCount,
			&rec.Winner,
			&winnerOutput,
			&rec.Fingerprint,
			&rec.OverrideUsed,
			&rec.RefusalReason,
			&rec.RiskAnalyzed,
			&createdAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析竞价记录失败")
		}
		if rec.AmountIn, err = decimal.NewFromString(amountIn); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 amount_in 失败", xerrors.WithMetadata("run_id", rec.RunID))
		}
		if winnerOutput != "" {
			if rec.WinnerOutput, err = decimal.NewFromString(winnerOutput); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 winner_output 失败", xerrors.WithMetadata("run_id", rec.RunID))
			}
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历竞价记录失败")
	}
	return records, nil
}
