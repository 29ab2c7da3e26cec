package sharc

import (
	"fmt"
	"strings"

	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/format"
	"github.com/sharclabs/sharc/internal/index"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
	"github.com/sharclabs/sharc/internal/txn"
)

// Writer performs table mutations. Insert/Update/Delete each open an
// implicit transaction and commit it before returning, so they fail with
// ErrTransactionAlreadyOpen while an explicit transaction is live;
// InsertBatch opens a single transaction around the whole batch
// (spec.md §4.9 — this is why batching is ~N times faster than N
// separate autocommitted calls).
type Writer struct {
	db *Database
}

// Writer returns the database's Writer. Every call fails with
// ErrReadOnly on a Database opened without OpenOptions.Writable.
func (db *Database) Writer() *Writer { return &Writer{db: db} }

func (w *Writer) writable() error {
	if !w.db.opts.Writable {
		return ErrReadOnly
	}
	return nil
}

// resolveTable looks up a table's root page and its maintained indexes,
// bound to the given page source (the base source for an implicit
// transaction, or a live Transaction's shadow overlay).
func (db *Database) resolveTable(src pagesrc.WritablePageSource, table string) (format.TableInfo, *index.Maintainer, error) {
	t, ok := db.schema.TableByName(table)
	if !ok {
		return format.TableInfo{}, nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	var defs []index.Definition
	for _, idx := range db.schema.IndexesForTable(table) {
		defs = append(defs, index.Definition{Name: idx.Name, Root: idx.RootPage, Columns: indexedColumnOrdinals(t, idx), Unique: false})
	}
	maint := index.NewMaintainer(src, src.PageSize(), db.header.UsablePageSize(), defs)
	return t, maint, nil
}

// indexedColumnOrdinals resolves an index's column list to ordinals in
// the table's declared column list by name. An index whose SQL this
// engine cannot shallow-parse degrades to indexing column 0, which keeps
// the maintainer total but is a case a real DDL parser should refine.
func indexedColumnOrdinals(t format.TableInfo, idx format.IndexInfo) []int {
	names := parseIndexColumns(idx.SQL)
	if len(names) == 0 {
		return []int{0}
	}
	ordinals := make([]int, 0, len(names))
	for _, n := range names {
		for i, c := range t.Columns {
			if c.Name == n {
				ordinals = append(ordinals, i)
				break
			}
		}
	}
	if len(ordinals) == 0 {
		return []int{0}
	}
	return ordinals
}

// nextRowID picks the next unused rowid as max(rowid)+1, matching
// SQLite's default rowid allocation when no AUTOINCREMENT column is
// declared (spec.md leaves autoincrement policy to the caller).
func nextRowID(src pagesrc.PageSource, t format.TableInfo, usablePageSize int) (int64, error) {
	cur := btree.NewCursor(src, t.RootPage, usablePageSize)
	var max int64
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		rid, err := cur.RowID()
		if err != nil {
			return 0, err
		}
		if rid > max {
			max = rid
		}
	}
	return max + 1, nil
}

func readRow(src pagesrc.PageSource, t format.TableInfo, usablePageSize int, rowID int64) ([]record.Value, bool, error) {
	cur := btree.NewCursor(src, t.RootPage, usablePageSize)
	ok, err := cur.Seek(rowID)
	if err != nil || !ok {
		return nil, false, err
	}
	payload, err := cur.Payload()
	if err != nil {
		return nil, false, err
	}
	values, err := record.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// insertInto performs the insert against src, used by both the implicit
// (autocommit) and explicit transaction paths.
func insertInto(db *Database, src pagesrc.WritablePageSource, table string, values []record.Value) (int64, error) {
	t, maint, err := db.resolveTable(src, table)
	if err != nil {
		return 0, err
	}
	usable := db.header.UsablePageSize()
	rowID, err := nextRowID(src, t, usable)
	if err != nil {
		return 0, err
	}
	mut := btree.NewMutator(src, src.PageSize(), usable)
	if err := mut.Insert(t.RootPage, rowID, record.Encode(values)); err != nil {
		return 0, err
	}
	if err := maint.Insert(rowID, values); err != nil {
		return 0, err
	}
	return rowID, nil
}

func updateInto(db *Database, src pagesrc.WritablePageSource, table string, rowID int64, values []record.Value) (bool, error) {
	t, maint, err := db.resolveTable(src, table)
	if err != nil {
		return false, err
	}
	usable := db.header.UsablePageSize()
	before, found, err := readRow(src, t, usable, rowID)
	if err != nil || !found {
		return false, err
	}
	mut := btree.NewMutator(src, src.PageSize(), usable)
	ok, err := mut.Update(t.RootPage, rowID, record.Encode(values))
	if err != nil || !ok {
		return ok, err
	}
	if err := maint.Update(rowID, before, values); err != nil {
		return false, err
	}
	return true, nil
}

func deleteFrom(db *Database, src pagesrc.WritablePageSource, table string, rowID int64) (bool, error) {
	t, maint, err := db.resolveTable(src, table)
	if err != nil {
		return false, err
	}
	usable := db.header.UsablePageSize()
	before, found, err := readRow(src, t, usable, rowID)
	if err != nil || !found {
		return false, err
	}
	mut := btree.NewMutator(src, src.PageSize(), usable)
	ok, err := mut.Delete(t.RootPage, rowID)
	if err != nil || !ok {
		return ok, err
	}
	if err := maint.Delete(rowID, before); err != nil {
		return false, err
	}
	return true, nil
}

// withImplicitTransaction runs fn inside a fresh transaction, committing
// on success and rolling back on error (spec.md §4.9: autocommit).
func (w *Writer) withImplicitTransaction(fn func(src pagesrc.WritablePageSource) error) error {
	tx, err := w.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx.raw); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert appends a new row to table and returns its rowid (spec.md §6).
func (w *Writer) Insert(table string, values []record.Value) (int64, error) {
	if err := w.writable(); err != nil {
		return 0, err
	}
	var rowID int64
	err := w.withImplicitTransaction(func(src pagesrc.WritablePageSource) error {
		id, err := insertInto(w.db, src, table, values)
		rowID = id
		return err
	})
	return rowID, err
}

// Update rewrites rowID's values, returning false if no such row
// exists (spec.md §6).
func (w *Writer) Update(table string, rowID int64, values []record.Value) (bool, error) {
	if err := w.writable(); err != nil {
		return false, err
	}
	var ok bool
	err := w.withImplicitTransaction(func(src pagesrc.WritablePageSource) error {
		found, err := updateInto(w.db, src, table, rowID, values)
		ok = found
		return err
	})
	return ok, err
}

// Delete removes rowID, returning false if no such row exists.
func (w *Writer) Delete(table string, rowID int64) (bool, error) {
	if err := w.writable(); err != nil {
		return false, err
	}
	var ok bool
	err := w.withImplicitTransaction(func(src pagesrc.WritablePageSource) error {
		found, err := deleteFrom(w.db, src, table, rowID)
		ok = found
		return err
	})
	return ok, err
}

// InsertBatch inserts every row within a single transaction, the fast
// path spec.md §4.9 calls out explicitly.
func (w *Writer) InsertBatch(table string, rows [][]record.Value) ([]int64, error) {
	if err := w.writable(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	err := w.withImplicitTransaction(func(src pagesrc.WritablePageSource) error {
		for _, values := range rows {
			id, err := insertInto(w.db, src, table, values)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// BeginTransaction opens an explicit transaction (spec.md §6). Only one
// may be live at a time; nesting returns ErrTransactionAlreadyOpen.
func (w *Writer) BeginTransaction() (*Transaction, error) {
	if err := w.writable(); err != nil {
		return nil, err
	}
	if w.db.registry == nil {
		w.db.registry = txn.NewRegistry(w.db.src)
	}
	raw, err := w.db.registry.Begin()
	if err != nil {
		return nil, err
	}
	return &Transaction{db: w.db, raw: raw}, nil
}

// parseIndexColumns shallow-parses "... ON table(col1, col2, ...)" from
// a CREATE INDEX statement's column list. Mirrors format.parseColumns'
// shallow approach — this engine has no DDL grammar (spec.md §1
// Non-goals).
func parseIndexColumns(sql string) []string {
	open := strings.IndexByte(sql, '(')
	end := strings.LastIndexByte(sql, ')')
	if open < 0 || end < 0 || end <= open {
		return nil
	}
	body := sql[open+1 : end]
	var out []string
	for _, part := range strings.Split(body, ",") {
		col := strings.Trim(strings.TrimSpace(part), "\"'`[]")
		if col != "" {
			out = append(out, col)
		}
	}
	return out
}
