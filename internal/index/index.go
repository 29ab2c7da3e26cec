// Package index implements secondary-index maintenance: keeping each
// table's index B-trees in sync with insert/update/delete on the table
// itself (spec.md §4.7).
package index

import (
	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

// Definition describes one secondary index: the root page of its B-tree,
// the table column ordinals it indexes (in key order), and whether a
// trailing rowid is appended to disambiguate non-unique keys.
type Definition struct {
	Name    string
	Root    uint32
	Columns []int // ordinals into the table row's decoded values
	Unique  bool
}

// key builds the index key for one row: the indexed columns in order,
// with the rowid appended when the index permits duplicate keys so every
// index entry remains distinct (mirrors how a non-unique index disambig-
// uates ties in the original engine this spec is modelled on).
func (d Definition) key(rowID int64, row []record.Value) []record.Value {
	out := make([]record.Value, 0, len(d.Columns)+1)
	for _, col := range d.Columns {
		if col < len(row) {
			out = append(out, row[col])
		} else {
			out = append(out, record.NullValue())
		}
	}
	if !d.Unique {
		out = append(out, record.IntValue(rowID))
	}
	return out
}

// Maintainer applies table-level mutations to a set of index definitions
// sharing one writable page source.
type Maintainer struct {
	src     pagesrc.WritablePageSource
	usable  int
	pageSz  int
	indexes []Definition
}

// NewMaintainer builds a maintainer over the given indexes.
func NewMaintainer(src pagesrc.WritablePageSource, pageSize, usablePageSize int, indexes []Definition) *Maintainer {
	return &Maintainer{src: src, usable: usablePageSize, pageSz: pageSize, indexes: indexes}
}

func (m *Maintainer) mutatorFor(d Definition) *btree.IndexMutator {
	keyColumns := len(d.Columns)
	if !d.Unique {
		keyColumns++ // the appended rowid is part of the comparison key
	}
	return btree.NewIndexMutator(m.src, m.pageSz, m.usable, keyColumns)
}

// Insert adds index entries for a newly-inserted row.
func (m *Maintainer) Insert(rowID int64, after []record.Value) error {
	for _, d := range m.indexes {
		key := d.key(rowID, after)
		payload := record.Encode(key)
		if err := m.mutatorFor(d).Insert(d.Root, payload); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes index entries for a deleted row.
func (m *Maintainer) Delete(rowID int64, before []record.Value) error {
	for _, d := range m.indexes {
		key := d.key(rowID, before)
		if _, err := m.mutatorFor(d).Delete(d.Root, key); err != nil {
			return err
		}
	}
	return nil
}

// Update reconciles index entries for a changed row: only indexes whose
// referenced columns actually differ are touched (spec.md §4.7).
func (m *Maintainer) Update(rowID int64, before, after []record.Value) error {
	for _, d := range m.indexes {
		if !d.columnsDiffer(before, after) {
			continue
		}
		mut := m.mutatorFor(d)
		oldKey := d.key(rowID, before)
		if _, err := mut.Delete(d.Root, oldKey); err != nil {
			return err
		}
		newKey := d.key(rowID, after)
		if err := mut.Insert(d.Root, record.Encode(newKey)); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) columnsDiffer(before, after []record.Value) bool {
	for _, col := range d.Columns {
		bv, av := record.NullValue(), record.NullValue()
		if col < len(before) {
			bv = before[col]
		}
		if col < len(after) {
			av = after[col]
		}
		if record.Compare(bv, av) != 0 {
			return true
		}
	}
	return false
}

// Cursor returns a new index cursor for the named index, positioned
// before its first entry, used by the public API to satisfy index-driven
// seeks and range scans.
func (m *Maintainer) Cursor(name string) (*btree.IndexCursor, bool) {
	for _, d := range m.indexes {
		if d.Name == name {
			return btree.NewIndexCursor(m.src, d.Root, m.usable, len(d.Columns)), true
		}
	}
	return nil, false
}
