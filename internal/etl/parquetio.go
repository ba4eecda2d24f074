package etl

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

func encodeParquet[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParquet[T any](data []byte) ([]T, error) {
	if err := checkSchema[T](data); err != nil {
		return nil, err
	}
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, Contractf("read parquet: %v", err)
	}
	return rows, nil
}

// columnNames lists the top-level columns T is written with.
func columnNames[T any]() []string {
	var zero T
	fields := parquet.SchemaOf(&zero).Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name()
	}
	return names
}

// checkSchema verifies that data is a parquet file whose top-level columns
// are exactly those of T, in order.
func checkSchema[T any](data []byte) error {
	_, err := inspectParquet[T](data)
	return err
}

// inspectParquet validates the schema and returns the row count.
func inspectParquet[T any](data []byte) (int64, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, Contractf("open parquet: %v", err)
	}
	want := columnNames[T]()
	fields := f.Schema().Fields()
	if len(fields) != len(want) {
		return 0, Contractf("parquet has %d columns, want %d", len(fields), len(want))
	}
	for i, field := range fields {
		if field.Name() != want[i] {
			return 0, Contractf("parquet column %d is %q, want %q", i, field.Name(), want[i])
		}
	}
	return f.NumRows(), nil
}
