// Command sharc is a small operator CLI over the storage engine: create
// an empty database file, inspect its header/schema/cache, scan a
// table's rows, or bulk-load a shapefile into an existing table. It
// never creates or alters a table's schema itself (spec.md §1: no DDL
// surface) — tables must already exist in the file, the way a real
// SQLite tool like sqlite3(1) would have created them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	shp "github.com/jonas-p/go-shp"
	"gopkg.in/yaml.v3"

	"github.com/sharclabs/sharc"
	"github.com/sharclabs/sharc/internal/format"
	"github.com/sharclabs/sharc/internal/record"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "inspect":
		err = runInspect(args)
	case "scan":
		err = runScan(args)
	case "import-shp":
		err = runImportSHP(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("sharc %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sharc <create|inspect|scan|import-shp> [flags]")
}

// fileConfig is the shape of the optional YAML config file accepted by
// the inspect subcommand's -config flag, mirroring OpenOptions' tunables
// (spec.md §10 Configuration).
type fileConfig struct {
	PageCacheSize int  `yaml:"pageCacheSize"`
	UseMmap       bool `yaml:"useMmap"`
}

func loadConfig(path string) (fileConfig, error) {
	if path == "" {
		return fileConfig{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	path := fs.String("path", "", "path of the database file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-path is required")
	}
	db, err := sharc.Create(*path, sharc.OpenOptions{})
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("created %s: page size %d bytes, %d page(s)", *path, db.PageSize(), db.PageCount())
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("path", "", "database file to inspect")
	cfgPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-path is required")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	db, err := sharc.Open(*path, sharc.OpenOptions{PageCacheSize: cfg.PageCacheSize, UseMmap: cfg.UseMmap})
	if err != nil {
		return err
	}
	defer db.Close()

	fi, err := os.Stat(*path)
	if err != nil {
		return err
	}
	schema := db.Schema()
	fmt.Printf("file:        %s (%s)\n", *path, humanize.Bytes(uint64(fi.Size())))
	fmt.Printf("page size:   %d bytes (usable %d)\n", db.PageSize(), db.UsablePageSize())
	fmt.Printf("page count:  %d\n", db.PageCount())
	fmt.Printf("freelist:    %d page(s), first trunk %d\n", db.FreelistPageCount(), db.FirstFreelistTrunk())
	if capacity, used, ok := db.CacheStats(); ok {
		fmt.Printf("page cache:  %d/%d pages resident\n", used, capacity)
	}
	fmt.Printf("tables:      %d\n", len(schema.Tables))
	for _, t := range schema.Tables {
		fmt.Printf("  %-20s root=%-6d columns=%d\n", t.Name, t.RootPage, len(t.Columns))
	}
	fmt.Printf("indexes:     %d\n", len(schema.Indexes))
	for _, idx := range schema.Indexes {
		fmt.Printf("  %-20s on=%-15s root=%d\n", idx.Name, idx.Table, idx.RootPage)
	}
	fmt.Printf("views:       %d\n", len(schema.Views))
	for _, v := range schema.Views {
		fmt.Printf("  %s\n", v.Name)
	}
	return nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	path := fs.String("path", "", "database file to read")
	table := fs.String("table", "", "table to scan")
	limit := fs.Int("limit", 0, "maximum rows to print (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *table == "" {
		return fmt.Errorf("-path and -table are required")
	}
	db, err := sharc.Open(*path, sharc.OpenOptions{})
	if err != nil {
		return err
	}
	defer db.Close()

	t, ok := db.Schema().TableByName(*table)
	if !ok {
		return fmt.Errorf("%w: %s", sharc.ErrTableNotFound, *table)
	}
	r, err := db.CreateReader(*table, nil)
	if err != nil {
		return err
	}
	printed := 0
	for {
		ok, err := r.Read()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rowID, err := r.RowID()
		if err != nil {
			return err
		}
		vals := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			vals[i], err = formatColumn(r, i, col.Affinity)
			if err != nil {
				return err
			}
		}
		fmt.Printf("%d: %s\n", rowID, strings.Join(vals, ", "))
		printed++
		if *limit > 0 && printed >= *limit {
			break
		}
	}
	return nil
}

// formatColumn renders column i using the table's declared affinity
// (from sqlite_schema's stored CREATE TABLE text) to pick the right
// accessor, rather than guessing from the value's own serial type — a
// TEXT column holding "" must still print as "", not fall through to an
// unrelated integer reading.
func formatColumn(r *sharc.Reader, i int, affinity string) (string, error) {
	null, err := r.IsNull(i)
	if err != nil {
		return "", err
	}
	if null {
		return "NULL", nil
	}
	switch strings.ToUpper(affinity) {
	case "INTEGER", "INT":
		n, err := r.GetInt64(i)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		f, err := r.GetDouble(i)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case "BLOB":
		b, err := r.GetBlob(i)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<%d bytes>", len(b)), nil
	default:
		s, err := r.GetString(i)
		if err != nil {
			return "", err
		}
		return s, nil
	}
}

func runImportSHP(args []string) error {
	fs := flag.NewFlagSet("import-shp", flag.ExitOnError)
	path := fs.String("path", "", "database file to import into")
	table := fs.String("table", "", "destination table (must already exist)")
	shpPath := fs.String("shp", "", "source .shp file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *table == "" || *shpPath == "" {
		return fmt.Errorf("-path, -table and -shp are required")
	}

	db, err := sharc.Open(*path, sharc.OpenOptions{Writable: true})
	if err != nil {
		return err
	}
	defer db.Close()
	t, ok := db.Schema().TableByName(*table)
	if !ok {
		return fmt.Errorf("%w: %s", sharc.ErrTableNotFound, *table)
	}

	reader, err := shp.Open(*shpPath)
	if err != nil {
		return fmt.Errorf("open shapefile: %w", err)
	}
	defer reader.Close()
	fields := reader.Fields()

	var rows [][]record.Value
	for reader.Next() {
		idx, shape := reader.Shape()
		attrs := make(map[string]string, len(fields))
		for fi, fld := range fields {
			attrs[strings.TrimRight(fld.String(), "\x00")] = reader.ReadAttribute(idx, fi)
		}
		row := make([]record.Value, len(t.Columns))
		for i, col := range t.Columns {
			if strings.EqualFold(col.Name, "geometry") {
				row[i] = record.TextValue([]byte(wkt(shape)))
				continue
			}
			row[i] = valueForColumn(col, attrs[col.Name])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no features found in %s", *shpPath)
	}

	w := db.Writer()
	ids, err := w.InsertBatch(*table, rows)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	log.Printf("imported %d feature(s) into %s (rowids %d..%d)", len(ids), *table, ids[0], ids[len(ids)-1])
	return nil
}

// valueForColumn converts raw as read straight from a shapefile's DBF
// attribute table to a typed record.Value per col's declared affinity
// (spec.md §1 leaves type coercion to the caller — there is no DDL
// surface that would otherwise enforce it).
func valueForColumn(col format.ColumnInfo, raw string) record.Value {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return record.NullValue()
	}
	switch strings.ToUpper(col.Affinity) {
	case "INTEGER", "INT":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return record.IntValue(n)
		}
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return record.RealValue(f)
		}
	case "BLOB":
		return record.BlobValue([]byte(raw))
	}
	return record.TextValue([]byte(raw))
}

// wkt renders a shapefile geometry as well-known text, the same role the
// teacher's ImportShapefile gives its GeoJSON geometry encoding, adapted
// to a plain string a TEXT column can hold (spec.md has no geometry type
// of its own; this is a format choice left entirely to the caller).
func wkt(shape shp.Shape) string {
	switch s := shape.(type) {
	case *shp.Point:
		return fmt.Sprintf("POINT(%g %g)", s.X, s.Y)
	case *shp.PolyLine:
		return fmt.Sprintf("LINESTRING(%s)", joinPoints(s.Points))
	case *shp.Polygon:
		return fmt.Sprintf("POLYGON((%s))", joinPoints(s.Points))
	default:
		return ""
	}
}

func joinPoints(pts []shp.Point) string {
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = fmt.Sprintf("%g %g", p.X, p.Y)
	}
	return strings.Join(parts, ", ")
}
