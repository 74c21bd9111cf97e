// Package mysql persists ledger intents, competition history and settlement
// jobs in MySQL. It owns the embedded schema migrations and the connection
// pool setup; every store takes an already opened *sql.DB.
package mysql
