package migrations

import "embed"

// Files 暴露所有按版本号排序的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
