package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/ledger"
)

const intentColumns = `id, owner, token_in, token_out, amount_in, min_amount_out, max_slippage_bps, max_gas_cost,
        deadline, status, winner, amount_out, fingerprint, created_at, updated_at`

// IntentStore 使用 MySQL 持久化账本意图，状态迁移通过带条件的 UPDATE 实现。
type IntentStore struct {
	db *sql.DB
}

// NewIntentStore 基于已有连接池创建 IntentStore。
func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

// Insert 实现 ledger.Store。
func (s *IntentStore) Insert(ctx context.Context, intent *ledger.Intent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	const stmt = `INSERT INTO intents
        (owner, token_in, token_out, amount_in, min_amount_out, max_slippage_bps, max_gas_cost,
        deadline, status, winner, amount_out, fingerprint, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		intent.Owner.Hex(),
		intent.TokenIn,
		intent.TokenOut,
		intString(intent.AmountIn),
		intString(intent.MinAmountOut),
		intent.MaxSlippageBps,
		intString(intent.MaxGasCost),
		intent.Deadline,
		string(intent.Status),
		winnerValue(intent),
		nullableInt(intent.AmountOut),
		nullableBytes(intent.Fingerprint),
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入意图失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取意图 ID 失败")
	}
	intent.ID = uint64(id)
	return nil
}

// Get 实现 ledger.Store。
func (s *IntentStore) Get(ctx context.Context, id uint64) (*ledger.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	intent, err := scanIntent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrIntentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图失败")
	}
	return intent, nil
}

// Transition 实现 ledger.Store，仅在当前状态等于 from 时更新。
func (s *IntentStore) Transition(ctx context.Context, from ledger.Status, next *ledger.Intent) error {
	if next == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	const stmt = `UPDATE intents SET status = ?, winner = ?, amount_out = ?, fingerprint = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(next.Status),
		winnerValue(next),
		nullableInt(next.AmountOut),
		nullableBytes(next.Fingerprint),
		next.UpdatedAt,
		next.ID,
		string(from),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新意图状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, next.ID).Scan(&current)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return ledger.ErrIntentNotFound
	case err != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图状态失败")
	}
	return ledger.ErrStatusConflict
}

// List 实现 ledger.Store。
func (s *IntentStore) List(ctx context.Context, opts ledger.ListOptions) ([]*ledger.Intent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		clauses []string
		args    []any
	)
	if opts.Owner != nil {
		clauses = append(clauses, "owner = ?")
		args = append(args, opts.Owner.Hex())
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + intentColumns + ` FROM intents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图列表失败")
	}
	defer rows.Close()

	var intents []*ledger.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析意图失败")
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历意图失败")
	}
	return intents, nil
}

// Close 关闭连接池。
func (s *IntentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*ledger.Intent, error) {
	var (
		intent                   ledger.Intent
		owner, winner, status    string
		amountIn, minOut, maxGas string
		amountOut                sql.NullString
		fingerprint              []byte
	)
	if err := row.Scan(
		&intent.ID,
		&owner,
		&intent.TokenIn,
		&intent.TokenOut,
		&amountIn,
		&minOut,
		&intent.MaxSlippageBps,
		&maxGas,
		&intent.Deadline,
		&status,
		&winner,
		&amountOut,
		&fingerprint,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	intent.Owner = common.HexToAddress(owner)
	intent.Status = ledger.Status(status)
	if intent.AmountIn, err = parseInt(amountIn); err != nil {
		return nil, err
	}
	if intent.MinAmountOut, err = parseInt(minOut); err != nil {
		return nil, err
	}
	if intent.MaxGasCost, err = parseInt(maxGas); err != nil {
		return nil, err
	}
	if winner != "" {
		intent.Winner = common.HexToAddress(winner)
	}
	if amountOut.Valid {
		if intent.AmountOut, err = parseInt(amountOut.String); err != nil {
			return nil, err
		}
	}
	if len(fingerprint) > 0 {
		intent.Fingerprint = fingerprint
	}
	return &intent, nil
}

func parseInt(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return nil, fmt.Errorf("无法解析整数 %q", v)
	}
	return n, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableInt(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func winnerValue(intent *ledger.Intent) string {
	if intent.Winner == (common.Address{}) {
		return ""
	}
	return intent.Winner.Hex()
}
