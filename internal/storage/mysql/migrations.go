package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"IntentArena/deploy/migrations"
	"IntentArena/pkg/logger"
)

const (
	// 多个 intentd 实例同时启动时，只有持锁者执行迁移。
	migrationLock        = "intentarena_schema_migrations"
	migrationLockTimeout = 30
)

type migration struct {
	version    string
	name       string
	statements []string
}

// runMigrations 在咨询锁保护下按版本执行内嵌迁移。
func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := migrate(ctx, db, migrations.Files, time.Now)
	return err
}

// migrate 返回本次新应用的版本。每个版本在独立事务中执行并记录到 schema_migrations。
func migrate(ctx context.Context, db *sql.DB, fsys fs.FS, now func() time.Time) ([]string, error) {
	pending, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, migrationLock, migrationLockTimeout).Scan(&locked); err != nil {
		return nil, fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !locked.Valid || locked.Int64 != 1 {
		return nil, errors.New("等待迁移锁超时")
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT RELEASE_LOCK(?)`, migrationLock)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	log := logger.Named("mysql")
	var applied []string
	for _, m := range pending {
		if _, ok := done[m.version]; ok {
			continue
		}
		if err := apply(ctx, conn, m, now()); err != nil {
			return applied, err
		}
		log.Info("已应用数据库迁移", "version", m.version, "name", m.name)
		applied = append(applied, m.version)
	}
	return applied, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]struct{}, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[v] = struct{}{}
	}
	return out, rows.Err()
}

func apply(ctx context.Context, conn *sql.Conn, m migration, at time.Time) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, at.Unix()); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// loadMigrations 读取 NNNN_name.sql 文件，版本号重复视为错误。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	seen := make(map[string]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		version, _, ok := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("迁移文件 %s 缺少版本前缀", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本重复", name, prev)
		}
		seen[version] = name
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitStatements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: version, name: name, statements: stmts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 去掉 "--" 行注释后按分号切分。
func splitStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
