// Package csv reads and writes roadmap items as delimited text.
package csv

import (
	"bytes"
	gocsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/normalize"
)

// ParseError reports malformed CSV input. Parsing is all-or-nothing.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("csv parse error on line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("csv parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// headerIndex maps folded header names ("impactedstakeholders") to fields.
var headerIndex = func() map[string]string {
	idx := make(map[string]string, len(model.ItemFields))
	for _, f := range model.ItemFields {
		idx[foldHeader(f)] = f
	}
	return idx
}()

// foldHeader lowercases a header and drops everything but letters and
// digits, so "Impacted Stakeholders" and "impacted_stakeholders" both match.
func foldHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Parse converts CSV text into normalized items. The first row names the
// fields; unknown columns are ignored and blank rows skipped. Items without an
// id get their zero-based position as id.
func Parse(text string) ([]model.RoadmapItem, error) {
	decoded, _, err := transform.String(xunicode.BOMOverride(transform.Nop), text)
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("decoding input: %w", err)}
	}

	reader := gocsv.NewReader(strings.NewReader(decoded))
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []model.RoadmapItem{}, nil
	}
	if err != nil {
		return nil, wrapReadError(err)
	}

	columns := make([]string, len(headers))
	for i, h := range headers {
		columns[i] = headerIndex[foldHeader(h)]
	}

	items := []model.RoadmapItem{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapReadError(err)
		}
		if blankRow(row) {
			continue
		}

		var item model.RoadmapItem
		for i, value := range row {
			if i < len(columns) && columns[i] != "" {
				item.Set(columns[i], value)
			}
		}

		item = normalize.Item(item)
		if item.ID == "" {
			item.ID = strconv.Itoa(len(items))
		}
		items = append(items, item)
	}

	return items, nil
}

func wrapReadError(err error) error {
	var pe *gocsv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.Line, Err: pe.Err}
	}
	return &ParseError{Err: err}
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Serialize writes items with the fixed model.CSVColumns header. Values
// containing a comma, quote or newline are quoted with inner quotes doubled.
func Serialize(items []model.RoadmapItem) (string, error) {
	var buf bytes.Buffer
	w := gocsv.NewWriter(&buf)

	if err := w.Write(model.CSVColumns); err != nil {
		return "", fmt.Errorf("writing csv header: %w", err)
	}

	row := make([]string, len(model.CSVColumns))
	for _, item := range items {
		for i, col := range model.CSVColumns {
			row[i], _ = item.Get(col)
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing csv row %s: %w", item.ID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %w", err)
	}

	return buf.String(), nil
}
