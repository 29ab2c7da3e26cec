package sharc

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/sharclabs/sharc/internal/btree"
	"github.com/sharclabs/sharc/internal/format"
	"github.com/sharclabs/sharc/internal/record"
	"github.com/sharclabs/sharc/internal/varint"
)

// RowAccessEvaluator is consulted between MoveNext and value exposure;
// rows that fail the evaluator are silently skipped by Read (spec.md
// §4.9). A nil evaluator admits every row.
type RowAccessEvaluator interface {
	Allow(rowID int64, payload []byte) bool
}

// Reader is the public, typed cursor over one table (spec.md §4.9). It
// wraps a btree.Cursor and caches the fully decoded current row, so
// repeated GetXxx(i) calls on the same row don't re-decode the record.
type Reader struct {
	cur          *btree.Cursor
	table        format.TableInfo
	columns      []int // projected column ordinals into the decoded row; nil means all
	evaluator    RowAccessEvaluator
	textEncoding uint32 // header's TextEncoding (spec.md §3), consulted by GetString

	decoded []record.Value
	have    bool
}

// CreateReader opens a Reader over table, projecting columns (by
// ordinal into the table's declared column list); pass nil for all
// columns (spec.md §6).
func (db *Database) CreateReader(table string, columns []int) (*Reader, error) {
	t, ok := db.schema.TableByName(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return &Reader{
		cur:          btree.NewCursor(db.rawSrc, t.RootPage, db.header.UsablePageSize()),
		table:        t,
		columns:      columns,
		textEncoding: db.header.TextEncoding,
	}, nil
}

// SetEvaluator installs a row-access filter; rows for which Allow
// returns false are skipped transparently by Read.
func (r *Reader) SetEvaluator(e RowAccessEvaluator) { r.evaluator = e }

// Read advances to the next admissible row, returning false at
// end-of-table. It loops internally past any row the evaluator rejects.
func (r *Reader) Read() (bool, error) {
	for {
		ok, err := r.cur.MoveNext()
		if err != nil || !ok {
			r.have = false
			return false, err
		}
		payload, err := r.cur.Payload()
		if err != nil {
			return false, err
		}
		if r.evaluator != nil {
			rowID, err := r.cur.RowID()
			if err != nil {
				return false, err
			}
			if !r.evaluator.Allow(rowID, payload) {
				continue
			}
		}
		values, err := record.Decode(payload)
		if err != nil {
			return false, err
		}
		r.decoded = values
		r.have = true
		return true, nil
	}
}

// Seek repositions the cursor at rowID, returning false if no exact
// match exists (spec.md §4.9).
func (r *Reader) Seek(rowID int64) (bool, error) {
	ok, err := r.cur.Seek(rowID)
	if err != nil || !ok {
		r.have = false
		return ok, err
	}
	payload, err := r.cur.Payload()
	if err != nil {
		return false, err
	}
	values, err := record.Decode(payload)
	if err != nil {
		return false, err
	}
	r.decoded = values
	r.have = true
	return true, nil
}

// RowID returns the current row's rowid.
func (r *Reader) RowID() (int64, error) { return r.cur.RowID() }

// IsStale reports whether a writer has committed since this cursor last
// advanced (Read) or was Reset (spec.md §4.5).
func (r *Reader) IsStale() bool { return r.cur.IsStale() }

// Reset clears the cursor's position and re-snapshots the data version,
// which clears IsStale (spec.md §8's staleness symmetry property). Each
// Read also re-snapshots the data version before advancing.
func (r *Reader) Reset() {
	r.cur.Reset()
	r.have = false
	r.decoded = nil
}

func (r *Reader) ordinal(i int) int {
	if r.columns == nil {
		return i
	}
	if i < 0 || i >= len(r.columns) {
		return -1
	}
	return r.columns[i]
}

func (r *Reader) valueAt(i int) (record.Value, error) {
	if !r.have {
		return record.Value{}, fmt.Errorf("sharc: no current row")
	}
	ord := r.ordinal(i)
	if ord < 0 || ord >= len(r.decoded) {
		return record.Value{}, fmt.Errorf("%w: column %d", ErrColumnNotFound, i)
	}
	return r.decoded[ord], nil
}

// IsNull reports whether the i-th projected column is NULL.
func (r *Reader) IsNull(i int) (bool, error) {
	v, err := r.valueAt(i)
	if err != nil {
		return false, err
	}
	return v.IsNull(), nil
}

// GetInt64 decodes the i-th projected column as an integer.
func (r *Reader) GetInt64(i int) (int64, error) {
	v, err := r.valueAt(i)
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

// GetDouble decodes the i-th projected column as a float.
func (r *Reader) GetDouble(i int) (float64, error) {
	v, err := r.valueAt(i)
	if err != nil {
		return 0, err
	}
	if v.SerialType == varint.TypeFloat {
		return v.Real, nil
	}
	return float64(v.Int), nil
}

// GetString decodes the i-th projected column as text, converting from
// the header's declared TextEncoding (spec.md §3) to UTF-8. Most
// databases — including every one this engine creates itself — declare
// UTF-8 and are returned without conversion; UTF-16LE/BE databases (as written by
// SQLite built with a non-default text encoding) are converted via
// golang.org/x/text.
func (r *Reader) GetString(i int) (string, error) {
	v, err := r.valueAt(i)
	if err != nil {
		return "", err
	}
	return decodeText(v.Text, r.textEncoding)
}

// decodeText converts raw column bytes to UTF-8 per textEncoding
// (format.TextEncodingUTF8/UTF16LE/UTF16BE). Unrecognised values are
// treated as UTF-8, matching format.NewHeader's default.
func decodeText(raw []byte, textEncoding uint32) (string, error) {
	var dec *encoding.Decoder
	switch textEncoding {
	case format.TextEncodingUTF16LE:
		dec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case format.TextEncodingUTF16BE:
		dec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	default:
		return string(raw), nil
	}
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("sharc: decode text column: %w", err)
	}
	return string(out), nil
}

// GetBlob decodes the i-th projected column as a blob. The returned
// slice aliases the decoded payload (zero-copy) when the payload did not
// require overflow-chain assembly.
func (r *Reader) GetBlob(i int) ([]byte, error) {
	v, err := r.valueAt(i)
	if err != nil {
		return nil, err
	}
	return v.Blob, nil
}
