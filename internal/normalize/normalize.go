// Package normalize converts raw strings from any datasource into the
// canonical field values of a RoadmapItem. Every function is pure, total and
// idempotent: f(f(x)) == f(x).
package normalize

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/nhle/roadmap-sync/internal/model"
)

// ListSeparator joins normalized list entries.
const ListSeparator = "; "

// clean applies NFC normalization, trims and collapses whitespace runs.
func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Text trims free text. Inner whitespace, including line breaks in
// descriptions, is kept.
func Text(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// TitleCase capitalizes the first letter of every space- or hyphen-delimited
// token and lowercases the rest. Tokens made only of uppercase letters and
// digits are kept as-is when they are at most four runes long or contain a
// digit, so acronyms such as "API" and "Q1" survive. Case mapping can leave
// a base letter and combining mark uncomposed, so the result is NFC again.
func TitleCase(s string) string {
	s = clean(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	start := 0
	for i, r := range s {
		if r == ' ' || r == '-' {
			b.WriteString(titleToken(s[start:i]))
			b.WriteRune(r)
			start = i + utf8.RuneLen(r)
		}
	}
	b.WriteString(titleToken(s[start:]))

	return norm.NFC.String(b.String())
}

func titleToken(tok string) string {
	if tok == "" || isAcronym(tok) {
		return tok
	}
	first, size := utf8.DecodeRuneInString(tok)
	return string(unicode.ToUpper(first)) + strings.ToLower(tok[size:])
}

func isAcronym(tok string) bool {
	hasDigit := false
	n := 0
	for _, r := range tok {
		n++
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsUpper(r):
		default:
			return false
		}
	}
	return n <= 4 || hasDigit
}

// DelimitedList splits s on ';', ',' or '|', normalizes every non-empty entry
// with item and joins the results with "; ".
func DelimitedList(s string, item func(string) string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ',' || r == '|'
	})

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := item(clean(p)); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ListSeparator)
}

// Region maps "us"/"usa" (any case) to "US" and title-cases everything else.
func Region(s string) string {
	s = clean(s)
	switch strings.ToLower(s) {
	case "us", "usa":
		return "US"
	}
	return TitleCase(s)
}

// RegionList normalizes a delimited list of regions.
func RegionList(s string) string {
	return DelimitedList(s, Region)
}

// StakeholderList normalizes a delimited list of stakeholder names.
func StakeholderList(s string) string {
	return DelimitedList(s, TitleCase)
}

// Tags normalizes a delimited tag list, keeping each tag's case.
func Tags(s string) string {
	return DelimitedList(s, clean)
}

var tshirtSizes = map[string]string{
	"xs": model.SizeXS,
	"s":  model.SizeS,
	"m":  model.SizeM,
	"l":  model.SizeL,
}

// TShirtSize returns one of XS, S, M, L or "" for unmapped input.
func TShirtSize(s string) string {
	return tshirtSizes[strings.ToLower(clean(s))]
}

// DateLayout is the canonical date format of RoadmapItem date fields.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
}

// Date converts a recognizable date or timestamp to YYYY-MM-DD. Strings that
// do not parse are returned trimmed and otherwise unchanged.
func Date(s string) string {
	s = clean(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return s
}

var (
	titleCased = []string{
		model.FieldSubmitterDepartment, model.FieldSubmitterPriority,
		model.FieldCriticality, model.FieldDisposition,
		model.FieldPillar, model.FieldExpenseType,
	}
	dated = []string{
		model.FieldStartDate, model.FieldEndDate, model.FieldRequestedDeliveryDate,
	}
)

// Item applies the canonical normalizer of every field to it.
func Item(it model.RoadmapItem) model.RoadmapItem {
	for _, f := range model.ItemFields {
		v, _ := it.Get(f)
		it.Set(f, Text(v))
	}
	for _, f := range titleCased {
		v, _ := it.Get(f)
		it.Set(f, TitleCase(v))
	}
	for _, f := range dated {
		v, _ := it.Get(f)
		it.Set(f, Date(v))
	}
	it.ImpactedStakeholders = StakeholderList(it.ImpactedStakeholders)
	it.Region = RegionList(it.Region)
	it.Tags = Tags(it.Tags)
	it.TShirtSize = TShirtSize(it.TShirtSize)
	return it
}
