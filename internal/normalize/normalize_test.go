package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/roadmap-sync/internal/model"
)

var idempotenceInputs = []string{
	"",
	"   ",
	"hello world",
	"HELLO WORLD",
	"API gateway",
	"Q1 2025",
	"q1 2025",
	"north-east  region",
	"ABCDE",
	"R&D ops",
	"us",
	"USA; emea , apac|  latam ",
	";;,|",
	"Ünited kingdom",
	"xİ\u0301",
	"1İ\u03011",
	"|ßİ\u0301\u0301Σı",
	"i\u0307stanbul; İ\u0301zmir",
	"  finance ; Human-Resources ",
	"ML2 pipeline",
	"x",
}

func TestTitleCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"API", "API"},
		{"Q1 2025", "Q1 2025"},
		{"hello world", "Hello World"},
		{"HELLO WORLD", "Hello World"},
		{"north-east region", "North-East Region"},
		{"ABCDE", "Abcde"},
		{"ABCDE1", "ABCDE1"},
		{"  spaced   out  ", "Spaced Out"},
		{"mIxEd", "Mixed"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, TitleCase(tt.in))
		})
	}
}

func TestRegion(t *testing.T) {
	assert.Equal(t, "US", Region("us"))
	assert.Equal(t, "US", Region("USA"))
	assert.Equal(t, "US", Region(" Usa "))
	assert.Equal(t, "Emea", Region("emea"))
	assert.Equal(t, "UK", Region("UK"))
	assert.Equal(t, "Latin America", Region("latin america"))
}

func TestDelimitedList(t *testing.T) {
	assert.Equal(t, "US; Emea; Apac", RegionList("usa, emea|apac"))
	assert.Equal(t, "Finance; Human-Resources", StakeholderList(" finance ;; human-resources ,"))
	assert.Equal(t, "", StakeholderList(" ; , | "))
	assert.Equal(t, "", DelimitedList("", TitleCase))
	assert.Equal(t, "roadmap; Platform Team", Tags("roadmap,  Platform   Team"))
}

func TestTShirtSize(t *testing.T) {
	tests := map[string]string{
		"XS":    "XS",
		"xs":    "XS",
		" s ":   "S",
		"M":     "M",
		"l":     "L",
		"XL":    "",
		"weird": "",
		"":      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, TShirtSize(in), "input %q", in)
	}
}

func TestDate(t *testing.T) {
	assert.Equal(t, "2025-03-01", Date("2025-03-01"))
	assert.Equal(t, "2025-03-01", Date("2025-03-01T08:00:00Z"))
	assert.Equal(t, "2025-03-01", Date("03/01/2025"))
	assert.Equal(t, "next quarter", Date(" next  quarter "))
	assert.Equal(t, "", Date(""))
}

func TestNormalizers_AreIdempotent(t *testing.T) {
	funcs := map[string]func(string) string{
		"TitleCase":       TitleCase,
		"Region":          Region,
		"RegionList":      RegionList,
		"StakeholderList": StakeholderList,
		"Tags":            Tags,
		"TShirtSize":      TShirtSize,
		"Date":            Date,
		"Text":            Text,
	}

	for name, fn := range funcs {
		for _, in := range idempotenceInputs {
			once := fn(in)
			assert.Equal(t, once, fn(once), "%s(%q) is not idempotent", name, in)
		}
	}
}

func TestItem(t *testing.T) {
	in := model.RoadmapItem{
		ID:                   " 42 ",
		Title:                "  Build the API ",
		ImpactedStakeholders: "finance, ops",
		SubmitterDepartment:  "platform ENGINEERING",
		Region:               "usa;emea",
		TShirtSize:           "m",
		StartDate:            "2025-01-02T00:00:00Z",
		Tags:                 "a,b",
		LongDescription:      "line one\nline two  ",
	}

	got := Item(in)

	assert.Equal(t, "42", got.ID)
	assert.Equal(t, "Build the API", got.Title)
	assert.Equal(t, "Finance; Ops", got.ImpactedStakeholders)
	assert.Equal(t, "Platform Engineering", got.SubmitterDepartment)
	assert.Equal(t, "US; Emea", got.Region)
	assert.Equal(t, "M", got.TShirtSize)
	assert.Equal(t, "2025-01-02", got.StartDate)
	assert.Equal(t, "a; b", got.Tags)
	assert.Equal(t, "line one\nline two", got.LongDescription)
	assert.Equal(t, got, Item(got))
}
