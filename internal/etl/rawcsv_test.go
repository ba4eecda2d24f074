package etl

import (
	"strings"
	"testing"
)

func TestRawRoundTripKeepsQuotedFields(t *testing.T) {
	cols := []string{"address_id", "address_line_1", "address_line_2"}
	rows := [][]string{
		{"1", `6826 "Herzog" Via`, ""},
		{"2", "179 Alexie Cliffs, Suite 3", "line\nbreak"},
	}
	data, err := EncodeRaw(cols, rows)
	if err != nil {
		t.Fatal(err)
	}
	gotCols, got, err := DecodeRaw(data)
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}
	if strings.Join(gotCols, ",") != strings.Join(cols, ",") || len(got) != 2 {
		t.Fatalf("got columns %v and %d rows", gotCols, len(got))
	}
	if got[0]["address_line_1"] != `6826 "Herzog" Via` || got[1]["address_line_2"] != "line\nbreak" {
		t.Errorf("rows = %v", got)
	}
}

func TestEncodeRawRejectsRaggedRows(t *testing.T) {
	if _, err := EncodeRaw([]string{"a", "b"}, [][]string{{"1"}}); err == nil {
		t.Error("ragged row accepted")
	}
}

func TestDecodeRawIsStrict(t *testing.T) {
	for name, data := range map[string]string{
		"empty":      "",
		"ragged":     "a,b\n1,2\n3\n",
		"bare quote": "a,b\n1,\"x\n",
	} {
		if _, _, err := DecodeRaw([]byte(data)); err == nil || KindOf(err) != KindContract {
			t.Errorf("%s: err = %v, want a contract violation", name, err)
		}
	}
}

func TestDecodeRawHeaderOnly(t *testing.T) {
	cols, rows, err := DecodeRaw([]byte("currency_id,currency_code\n"))
	if err != nil || len(cols) != 2 || len(rows) != 0 {
		t.Errorf("got %v, %d rows, %v", cols, len(rows), err)
	}
}
