package format

import (
	"testing"

	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

const testPageSize = 512

func schemaRow(kind, name, tbl string, root int64, sql string) []byte {
	return record.Encode([]record.Value{
		record.TextValue([]byte(kind)),
		record.TextValue([]byte(name)),
		record.TextValue([]byte(tbl)),
		record.IntValue(root),
		record.TextValue([]byte(sql)),
	})
}

func newSchemaSource(t *testing.T) *pagesrc.Memory {
	t.Helper()
	src := pagesrc.NewMemory(testPageSize, nil)
	if _, err := src.Allocate(); err != nil { // page 1
		t.Fatalf("allocate page 1: %v", err)
	}
	buf := make([]byte, testPageSize)
	btree.Init(buf, HeaderSize, testPageSize, btree.TypeTableLeaf)
	if err := src.WritePage(1, buf); err != nil {
		t.Fatalf("write page 1: %v", err)
	}
	return src
}

func TestReadSchema_EmptyDatabaseListsNothing(t *testing.T) {
	src := newSchemaSource(t)
	s, err := ReadSchema(src, testPageSize)
	if err != nil {
		t.Fatalf("readSchema: %v", err)
	}
	if len(s.Tables) != 0 || len(s.Indexes) != 0 || len(s.Views) != 0 {
		t.Fatalf("expected empty schema, got %+v", s)
	}
}

func TestReadSchema_TableAndIndexAndView(t *testing.T) {
	src := newSchemaSource(t)
	mut := btree.NewMutator(src, testPageSize, testPageSize)

	rows := []struct {
		kind, name, tbl string
		root            int64
		sql             string
	}{
		{"table", "t", "t", 2, "CREATE TABLE t (x INTEGER, y TEXT)"},
		{"index", "idx_t_y", "t", 3, "CREATE INDEX idx_t_y ON t(y)"},
		{"view", "v", "v", 0, "CREATE VIEW v AS SELECT x FROM t"},
	}
	for i, r := range rows {
		payload := schemaRow(r.kind, r.name, r.tbl, r.root, r.sql)
		if err := mut.Insert(SchemaRoot, int64(i+1), payload); err != nil {
			t.Fatalf("insert schema row %d: %v", i, err)
		}
	}

	s, err := ReadSchema(src, testPageSize)
	if err != nil {
		t.Fatalf("readSchema: %v", err)
	}
	if len(s.Tables) != 1 || s.Tables[0].Name != "t" || s.Tables[0].RootPage != 2 {
		t.Fatalf("unexpected tables: %+v", s.Tables)
	}
	if len(s.Tables[0].Columns) != 2 || s.Tables[0].Columns[0].Name != "x" || s.Tables[0].Columns[1].Name != "y" {
		t.Fatalf("unexpected columns: %+v", s.Tables[0].Columns)
	}
	if len(s.Indexes) != 1 || s.Indexes[0].Table != "t" || s.Indexes[0].RootPage != 3 {
		t.Fatalf("unexpected indexes: %+v", s.Indexes)
	}
	if len(s.Views) != 1 || s.Views[0].Name != "v" {
		t.Fatalf("unexpected views: %+v", s.Views)
	}
	if _, ok := s.TableByName("missing"); ok {
		t.Fatalf("TableByName should miss for unknown table")
	}
	idxs := s.IndexesForTable("t")
	if len(idxs) != 1 {
		t.Fatalf("IndexesForTable(t) = %d, want 1", len(idxs))
	}
}

func TestParseColumns_SkipsConstraints(t *testing.T) {
	cols := parseColumns("CREATE TABLE t (id INTEGER PRIMARY KEY, k TEXT, UNIQUE(k))")
	if len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "k" {
		t.Fatalf("unexpected columns: %+v", cols)
	}
}
