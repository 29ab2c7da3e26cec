package sharc

import (
	"github.com/sharclabs/sharc/internal/record"
	"github.com/sharclabs/sharc/internal/txn"
)

// Transaction is an explicit shadow-page overlay over the database's
// base page source (spec.md §4.8). Reads issued through it see its own
// uncommitted writes; nothing is visible to other readers, and nothing
// reaches the base source, until Commit.
type Transaction struct {
	db  *Database
	raw *txn.Transaction
}

// Insert appends a row within this transaction.
func (tx *Transaction) Insert(table string, values []record.Value) (int64, error) {
	return insertInto(tx.db, tx.raw, table, values)
}

// Update rewrites a row within this transaction.
func (tx *Transaction) Update(table string, rowID int64, values []record.Value) (bool, error) {
	return updateInto(tx.db, tx.raw, table, rowID, values)
}

// Delete removes a row within this transaction.
func (tx *Transaction) Delete(table string, rowID int64) (bool, error) {
	return deleteFrom(tx.db, tx.raw, table, rowID)
}

// Commit writes every shadow-dirty page through to the base source and
// bumps its data version exactly once (spec.md §4.8).
func (tx *Transaction) Commit() error {
	if err := tx.raw.Commit(tx.db.registry); err != nil {
		return err
	}
	return tx.db.Refresh()
}

// Rollback discards the shadow unconditionally; since no write in an
// uncommitted transaction ever reached the base, this needs no undo
// (spec.md §4.8). Calling Rollback after Commit is a no-op.
func (tx *Transaction) Rollback() error {
	return tx.raw.Rollback(tx.db.registry)
}
