// Package sharc is an embeddable, SQLite-format-3-compatible storage
// engine: a B-tree based page store with a typed cursor API and no SQL
// surface. Any file Sharc writes validates under SQLite, and vice versa.
//
// # Basic usage
//
//	db, err := sharc.Create("app.db", sharc.OpenOptions{Writable: true})
//	w := db.Writer()
//	rowID, err := w.Insert("t", []record.Value{record.IntValue(1)})
//
//	r, err := db.CreateReader("t", nil)
//	for {
//	    ok, err := r.Read()
//	    if err != nil || !ok {
//	        break
//	    }
//	    v, _ := r.GetInt64(0)
//	}
//
// Sharc never parses SQL — the schema is read from the on-disk
// sqlite_schema table, and all data access goes through the cursor API.
package sharc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/format"
	"github.com/sharclabs/sharc/internal/index"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
	"github.com/sharclabs/sharc/internal/txn"
)

// Sentinel errors signalled across the public API (spec.md §6).
var (
	ErrBadMagic               = format.ErrBadMagic
	ErrUnsupportedPageSize    = format.ErrUnsupportedPageSize
	ErrCorruptPage            = format.ErrCorruptPage
	ErrOutOfSpace             = errors.New("sharc: out of space")
	ErrColumnNotFound         = errors.New("sharc: column not found")
	ErrTableNotFound          = errors.New("sharc: table not found")
	ErrTransactionAlreadyOpen = txn.ErrAlreadyOpen
	ErrReadOnly               = errors.New("sharc: database is read-only")
	ErrDimensionMismatch      = errors.New("sharc: dimension mismatch") // reserved for vector consumers
)

// OpenOptions configures how a Database is opened (spec.md §6).
type OpenOptions struct {
	Writable             bool
	PageCacheSize        int // pages; 0 disables the cache
	PageTransform        pagesrc.Transform
	AllowFormatDowngrade bool
	UseMmap              bool // unix only; ignored elsewhere (see openBackend)
}

// Database is the engine's top-level handle: one page source, one
// schema snapshot, and (if Writable) one transaction registry. A
// Database is bound to its creating goroutine and is not internally
// synchronised (spec.md §5).
type Database struct {
	src      pagesrc.WritablePageSource
	rawSrc   pagesrc.PageSource // pre-cache, used for Flush/Close on the owning File/Mmap
	header   *format.Header
	schema   *format.Schema
	opts     OpenOptions
	registry *txn.Registry
	closer   func() error
}

// Schema mirrors Database.schema from spec.md §6: the materialised table,
// index, and view catalog read from sqlite_schema.
type Schema struct {
	Tables  []format.TableInfo
	Indexes []format.IndexInfo
	Views   []format.ViewInfo
}

func wrapSchema(s *format.Schema) Schema {
	return Schema{Tables: s.Tables, Indexes: s.Indexes, Views: s.Views}
}

// Schema returns the database's table/index/view catalog, as read at
// open time. Call Refresh to pick up schema changes made since.
func (db *Database) Schema() Schema { return wrapSchema(db.schema) }

// Refresh re-scans sqlite_schema, e.g. after a DDL change made outside
// this handle. It also invalidates the read cache (if any), since writes
// to db.src — including those committed through a Transaction's shadow
// overlay — bypass the cache entirely (spec.md §4.8's commit writes
// straight to the base source).
func (db *Database) Refresh() error {
	if cache, ok := db.rawSrc.(*pagesrc.Cache); ok {
		cache.InvalidateAll()
	}
	s, err := format.ReadSchema(db.rawSrc, db.header.UsablePageSize())
	if err != nil {
		return err
	}
	db.schema = s
	return nil
}

// openCommon builds a Database over an already-opened page source.
func openCommon(src pagesrc.WritablePageSource, opts OpenOptions) (*Database, error) {
	page1, err := src.GetPage(1)
	if err != nil {
		return nil, fmt.Errorf("sharc: read header: %w", err)
	}
	h, err := format.Parse(page1)
	if err != nil {
		return nil, err
	}
	var reader pagesrc.PageSource = src
	if opts.PageCacheSize > 0 {
		reader = pagesrc.NewCache(src, opts.PageCacheSize)
	}
	schema, err := format.ReadSchema(reader, h.UsablePageSize())
	if err != nil {
		return nil, err
	}
	db := &Database{
		src:    src,
		rawSrc: reader,
		header: h,
		schema: schema,
		opts:   opts,
	}
	if opts.Writable {
		db.registry = txn.NewRegistry(src)
	}
	return db, nil
}

// Open opens an existing database file. Non-writable by default; pass
// OpenOptions.Writable to allow mutation.
func Open(path string, opts OpenOptions) (*Database, error) {
	pageSize, err := peekPageSize(path)
	if err != nil {
		return nil, err
	}
	f, err := openBackend(path, pageSize, opts)
	if err != nil {
		return nil, err
	}
	db, err := openCommon(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	db.closer = f.Close
	return db, nil
}

// peekPageSize reads just the header's page-size field (bytes 16-17) so
// the file can be reopened with a pagesrc.File sized correctly for
// page-aligned I/O — the page size itself lives inside page 1, which a
// File source can only read once it already knows the page size.
func peekPageSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("sharc: open %s: %w", path, err)
	}
	defer f.Close()
	hdr := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return peekPageSizeFromBytes(hdr)
}

// OpenMemory opens a database whose page source is an in-memory byte
// buffer (spec.md §6: "openMemory(bytes, options)").
func OpenMemory(buf []byte, opts OpenOptions) (*Database, error) {
	pageSize, err := peekPageSizeFromBytes(buf)
	if err != nil {
		return nil, err
	}
	mem, err := pagesrc.NewMemoryFromBytes(buf, pageSize, opts.PageTransform)
	if err != nil {
		return nil, err
	}
	opts.Writable = true
	return openCommon(mem, opts)
}

func peekPageSizeFromBytes(buf []byte) (int, error) {
	if len(buf) < format.HeaderSize {
		return 0, fmt.Errorf("%w: image shorter than header", ErrCorruptPage)
	}
	if string(buf[0:16]) != format.Magic {
		return 0, ErrBadMagic
	}
	raw := int(buf[16])<<8 | int(buf[17])
	if raw == 1 {
		return 65536, nil
	}
	if raw < 512 || raw&(raw-1) != 0 {
		return 0, fmt.Errorf("%w: raw page size field %d", ErrUnsupportedPageSize, raw)
	}
	return raw, nil
}

// Create initialises a brand-new database file: a fresh header and an
// empty sqlite_schema table, both living on page 1 as real SQLite lays
// them out, so PageCount is 1 right after creation (spec.md's S1
// describes this as "header + empty schema-page" == 2 pages, but bit-
// exact SQLite compatibility — the binding correctness property in
// spec.md §6 — means the schema root IS page 1, not a second page; see
// DESIGN.md).
func Create(path string, opts OpenOptions) (*Database, error) {
	f, err := pagesrc.CreateFile(path, defaultPageSizeHint, opts.PageTransform)
	if err != nil {
		return nil, err
	}
	if err := initFreshDatabase(f); err != nil {
		f.Close()
		return nil, err
	}
	opts.Writable = true
	db, err := openCommon(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	db.closer = f.Close
	return db, nil
}

const defaultPageSizeHint = 4096

// initFreshDatabase writes a page-1 header plus an empty sqlite_schema
// leaf, and allocates nothing further (spec.md's S1 end-to-end scenario).
func initFreshDatabase(src pagesrc.WritablePageSource) error {
	if _, err := src.Allocate(); err != nil { // page 1
		return err
	}
	h := format.NewHeader(src.PageSize())
	h.PageCount = 1
	page1 := make([]byte, src.PageSize())
	h.Write(page1)
	btree.Init(page1, format.HeaderSize, h.UsablePageSize(), btree.TypeTableLeaf)
	if err := src.WritePage(1, page1); err != nil {
		return err
	}
	return src.Flush()
}

// Close releases the database's underlying file or mapping, if any (a
// memory-backed database has nothing to close).
func (db *Database) Close() error {
	if db.closer != nil {
		return db.closer()
	}
	return nil
}

// UsablePageSize returns the per-page capacity available for cell
// storage, after subtracting reserved bytes (spec.md §3).
func (db *Database) UsablePageSize() int { return db.header.UsablePageSize() }

// PageSize returns the physical on-disk page size.
func (db *Database) PageSize() int { return int(db.header.PageSize) }

// PageCount returns the number of pages currently backing the database.
func (db *Database) PageCount() uint32 { return db.src.PageCount() }

// DataVersion returns the page source's monotonically non-decreasing
// version counter, bumped on every committed write (spec.md §4.5).
func (db *Database) DataVersion() uint64 { return db.src.DataVersion() }

// FreelistPageCount returns the number of pages currently on the free-page
// list, read live from page 1 (like PageCount, unlike the rest of this
// type's header-derived accessors) since Delete pushes onto it and
// allocation pops from it over the Database's lifetime (spec.md §4.6).
// Vacuum/compaction remains out of scope (spec.md §9 Open Question b) — the
// freelist only ever holds whole pages a delete freed, never shrinks a
// page's live content, and this accessor is inspection-only.
func (db *Database) FreelistPageCount() uint32 {
	h, err := db.readLiveHeader()
	if err != nil {
		return db.header.FreelistPageCount
	}
	return h.FreelistPageCount
}

// FirstFreelistTrunk returns the page number of the first freelist trunk
// page, or 0 if the freelist is empty, read live from page 1.
func (db *Database) FirstFreelistTrunk() uint32 {
	h, err := db.readLiveHeader()
	if err != nil {
		return db.header.FirstFreelistTrunk
	}
	return h.FirstFreelistTrunk
}

// readLiveHeader re-parses page 1's header from db.src, since the
// freelist fields change as deletes push freed pages and allocation pops
// them — db.header itself is only ever a snapshot taken at Open.
func (db *Database) readLiveHeader() (*format.Header, error) {
	page1, err := db.src.GetPage(1)
	if err != nil {
		return nil, err
	}
	return format.Parse(page1)
}

// CacheStats reports the page cache's capacity and current occupancy.
// ok is false when the database was opened without OpenOptions.PageCacheSize.
func (db *Database) CacheStats() (capacity, used int, ok bool) {
	cache, isCache := db.rawSrc.(*pagesrc.Cache)
	if !isCache {
		return 0, 0, false
	}
	capacity, used = cache.Stats()
	return capacity, used, true
}
