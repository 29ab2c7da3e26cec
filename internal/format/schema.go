package format

import (
	"fmt"
	"strings"

	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

// SchemaRoot is the fixed root page of the sqlite_schema table, per the
// SQLite format-3 on-disk layout (spec.md §3).
const SchemaRoot uint32 = 1

// ColumnInfo describes one column of a table, recovered by a best-effort
// scan of the column list in the table's CREATE TABLE statement (the
// schema table itself only stores the statement text, not a structured
// column list — spec.md explicitly leaves DDL parsing out of scope, so
// this is intentionally shallow: name and declared type affinity only).
type ColumnInfo struct {
	Name     string
	Affinity string
}

// TableInfo describes one row of sqlite_schema with type = "table".
type TableInfo struct {
	Name     string
	RootPage uint32
	SQL      string
	Columns  []ColumnInfo
}

// IndexInfo describes one row of sqlite_schema with type = "index".
type IndexInfo struct {
	Name     string
	Table    string
	RootPage uint32
	SQL      string
}

// ViewInfo describes one row of sqlite_schema with type = "view". Views
// have no root page — they are pure SQL text, carried for inspection
// only, since Sharc has no SQL compiler to execute them (spec.md §1
// Non-goals).
type ViewInfo struct {
	Name string
	SQL  string
}

// Schema is the materialised result of scanning sqlite_schema.
type Schema struct {
	Tables  []TableInfo
	Indexes []IndexInfo
	Views   []ViewInfo
}

// TableByName returns the table entry with the given name, if any.
func (s *Schema) TableByName(name string) (TableInfo, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// IndexesForTable returns every index whose Table field matches name.
func (s *Schema) IndexesForTable(name string) []IndexInfo {
	var out []IndexInfo
	for _, idx := range s.Indexes {
		if idx.Table == name {
			out = append(out, idx)
		}
	}
	return out
}

// ReadSchema scans the sqlite_schema table (root page 1) and materialises
// TableInfo/IndexInfo/ViewInfo entries. It uses a LeafPageScanner rather
// than a Cursor since the schema is read once at open time and never
// needs Seek (spec.md §4.5).
func ReadSchema(src pagesrc.PageSource, usablePageSize int) (*Schema, error) {
	scanner, err := btree.NewLeafPageScanner(src, SchemaRoot, usablePageSize)
	if err != nil {
		return nil, fmt.Errorf("sharc: read schema: %w", err)
	}
	s := &Schema{}
	for {
		ok, err := scanner.MoveNext()
		if err != nil {
			return nil, fmt.Errorf("sharc: read schema: %w", err)
		}
		if !ok {
			break
		}
		payload, err := scanner.Payload()
		if err != nil {
			return nil, fmt.Errorf("sharc: read schema: %w", err)
		}
		values, err := record.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("sharc: read schema: %w", err)
		}
		if len(values) < 5 {
			continue
		}
		kind := string(values[0].Text)
		name := string(values[1].Text)
		tblName := string(values[2].Text)
		rootPage := uint32(0)
		if !values[3].IsNull() {
			rootPage = uint32(asInt(values[3]))
		}
		sql := string(values[4].Text)
		switch kind {
		case "table":
			s.Tables = append(s.Tables, TableInfo{
				Name:     name,
				RootPage: rootPage,
				SQL:      sql,
				Columns:  parseColumns(sql),
			})
		case "index":
			s.Indexes = append(s.Indexes, IndexInfo{
				Name:     name,
				Table:    tblName,
				RootPage: rootPage,
				SQL:      sql,
			})
		case "view":
			s.Views = append(s.Views, ViewInfo{Name: name, SQL: sql})
		}
	}
	return s, nil
}

func asInt(v record.Value) int64 {
	if v.IsNull() {
		return 0
	}
	return v.Int
}

// parseColumns extracts a shallow column name/affinity list from a
// CREATE TABLE statement's parenthesised column list. It handles the
// common case (comma-separated "name TYPE ..." definitions) and skips
// anything that looks like a table constraint (PRIMARY KEY, UNIQUE,
// CHECK, FOREIGN KEY) rather than a column definition — good enough for
// introspection, not a full DDL grammar (spec.md §1 Non-goals: "no
// schema DDL evolution").
func parseColumns(sql string) []ColumnInfo {
	open := strings.IndexByte(sql, '(')
	end := strings.LastIndexByte(sql, ')')
	if open < 0 || end < 0 || end <= open {
		return nil
	}
	body := sql[open+1 : end]
	parts := splitTopLevel(body)
	var cols []ColumnInfo
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "PRIMARY KEY") || strings.HasPrefix(upper, "UNIQUE") ||
			strings.HasPrefix(upper, "CHECK") || strings.HasPrefix(upper, "FOREIGN KEY") ||
			strings.HasPrefix(upper, "CONSTRAINT") {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		col := ColumnInfo{Name: strings.Trim(fields[0], "\"'`[]")}
		if len(fields) > 1 {
			col.Affinity = fields[1]
		}
		cols = append(cols, col)
	}
	return cols
}

// splitTopLevel splits s on commas that are not nested inside parens,
// since column definitions may contain their own parenthesised type
// modifiers (e.g. DECIMAL(10,2)).
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
