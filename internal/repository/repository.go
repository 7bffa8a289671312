package repository

import "database/sql"

// Querier is the common interface implemented by *sql.DB and *sql.Tx.
// Repositories are constructed against it so the reveal protocol can run
// every step of a commit through one transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
