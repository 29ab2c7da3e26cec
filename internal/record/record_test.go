package record

import "testing"

func TestEncode_Decode_RoundTrip(t *testing.T) {
	cases := [][]Value{
		{NullValue()},
		{IntValue(0), IntValue(1), IntValue(-1)},
		{IntValue(42), TextValue([]byte("hello"))},
		{RealValue(3.14159), RealValue(-1.5)},
		{BlobValue([]byte{0xDE, 0xAD, 0xBE, 0xEF})},
		{IntValue(1 << 40), TextValue([]byte("")), NullValue()},
		{},
	}
	for i, values := range cases {
		encoded := Encode(values)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if len(decoded) != len(values) {
			t.Fatalf("case %d: length mismatch got %d want %d", i, len(decoded), len(values))
		}
		for j := range values {
			if !valuesEqual(decoded[j], values[j]) {
				t.Errorf("case %d col %d: got %+v want %+v", i, j, decoded[j], values[j])
			}
		}
	}
}

func TestDecodeColumn_Projection(t *testing.T) {
	values := []Value{IntValue(42), TextValue([]byte("hello")), RealValue(2.5)}
	encoded := Encode(values)
	for i, want := range values {
		got, err := DecodeColumn(encoded, i)
		if err != nil {
			t.Fatalf("column %d: %v", i, err)
		}
		if !valuesEqual(got, want) {
			t.Errorf("column %d: got %+v want %+v", i, got, want)
		}
	}
}

func TestColumnCount(t *testing.T) {
	values := []Value{IntValue(1), IntValue(2), NullValue(), TextValue([]byte("x"))}
	encoded := Encode(values)
	n, err := ColumnCount(encoded)
	if err != nil {
		t.Fatalf("ColumnCount: %v", err)
	}
	if n != len(values) {
		t.Fatalf("got %d columns, want %d", n, len(values))
	}
}

func TestMatches_ShortCircuits(t *testing.T) {
	values := []Value{IntValue(1), TextValue([]byte("b")), IntValue(99)}
	encoded := Encode(values)

	ok, err := Matches(encoded, []Filter{{ColumnOrdinal: 0, Equals: ptr(IntValue(1))}}, 0, -1)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	ok, err = Matches(encoded, []Filter{{ColumnOrdinal: 0, Equals: ptr(IntValue(2))}}, 0, -1)
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestMatches_RowidAlias(t *testing.T) {
	values := []Value{NullValue()}
	encoded := Encode(values)
	ok, err := Matches(encoded, []Filter{{ColumnOrdinal: 0, Equals: ptr(IntValue(7))}}, 7, 0)
	if err != nil || !ok {
		t.Fatalf("expected rowid-alias match, got ok=%v err=%v", ok, err)
	}
}

func ptr(v Value) *Value { return &v }
