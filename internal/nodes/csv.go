package nodes

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowpilot/pkg/schema"
)

// MaxCSVRecords caps the records produced by one csv-upload node. Rows past
// the cap are dropped.
const MaxCSVRecords = 100

// CSVExecutor parses CSV text into a batch of records keyed by the header
// row.
type CSVExecutor struct{}

func (e *CSVExecutor) Type() schema.NodeType { return schema.NodeTypeCSVUpload }

func (e *CSVExecutor) Execute(_ context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.CSVConfig](req)
	if err != nil {
		return nil, err
	}

	text, err := csvSource(cfg, req.Input)
	if err != nil {
		return nil, err
	}

	delim := ','
	if cfg.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(cfg.Delimiter)
		if size != len(cfg.Delimiter) {
			return nil, schema.NewNodeError(schema.KindValidation, "csv: delimiter must be a single character")
		}
		delim = r
	}
	return ParseCSV(text, delim, MaxCSVRecords)
}

func csvSource(cfg *schema.CSVConfig, input any) (string, error) {
	if cfg.CSV != "" {
		return cfg.CSV, nil
	}
	if s, ok := input.(string); ok {
		return s, nil
	}
	if m, ok := asMap(input); ok {
		field := cfg.Field
		if field == "" {
			field = "csv"
		}
		if s := stringParam(m, field, ""); s != "" {
			return s, nil
		}
	}
	return "", schema.NewNodeError(schema.KindValidation, "csv: no csv data in config or input (got %s)", describe(input))
}

// ParseCSV reads text with a header row into at most limit records. Values
// are trimmed; blank header cells become column_N.
func ParseCSV(text string, delim rune, limit int) (schema.Batch, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, schema.NewNodeError(schema.KindValidation, "csv: empty document")
	}
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "csv: %v", err).WithCause(err)
	}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		header[i] = h
	}

	records := schema.Batch{}
	for limit <= 0 || len(records) < limit {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewNodeError(schema.KindValidation, "csv: %v", err).WithCause(err)
		}
		rec := make(map[string]any, len(header))
		for i, h := range header {
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			rec[h] = v
		}
		records = append(records, rec)
	}
	return records, nil
}
