package etl

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/BartekS5/totesys-etl/pkg/models"
)

// EncodeRaw renders a batch as CSV with a header row. An empty batch is a
// header-only file so the columns survive.
func EncodeRaw(columns []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, want %d", i+1, len(r), len(columns))
		}
		if err := w.Write(r); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRaw parses a raw batch written by EncodeRaw. Unlike user-supplied
// CSV, raw files are produced by the extractor, so any malformed row is a
// contract violation rather than something to pad or skip.
func DecodeRaw(data []byte) ([]string, []models.RawRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, Contractf("raw file has no header row")
		}
		return nil, nil, Contractf("read header row: %v", err)
	}

	var rows []models.RawRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, Contractf("raw row %d: %v", line, err)
		}
		row := make(models.RawRow, len(headers))
		for i, h := range headers {
			row[h] = record[i]
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}
