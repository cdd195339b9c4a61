package model

import (
	"encoding/json"
	"regexp"

	"github.com/rotisserie/eris"
)

// TableType classifies an extracted financial table.
type TableType string

const (
	TableTypeIncomeStatement TableType = "income_statement"
	TableTypeBalanceSheet    TableType = "balance_sheet"
	TableTypeCashFlow        TableType = "cash_flow"
	TableTypeKPI             TableType = "kpi"
	TableTypeOther           TableType = "other"
)

// ReportTable is one extracted financial table belonging to a period.
// The first column header is always empty: it is the row-label column.
type ReportTable struct {
	TableID    string     `json:"table_id"` // stable within period, e.g. "table_3"
	Title      string     `json:"title"`
	Type       TableType  `json:"type"`
	SourcePage int        `json:"source_page"`
	Columns    []string   `json:"columns"`
	Rows       []TableRow `json:"rows"`
}

// TableRow is a single labelled row. Values are aligned with the table's
// column headers, so values[0] corresponds to the label column and is null
// unless the label itself denotes a year.
type TableRow struct {
	Label  string  `json:"label"`
	Values []Value `json:"values"`
	Order  int     `json:"row_order"`
	Indent int     `json:"indent,omitempty"`
}

// ValueKind tags the dynamic type of a cell value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueNumber
	ValueString
)

// Value is a table cell: null, a number, or a string. LLM output mixes all
// three freely, so the dynamic tag is preserved through persistence.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
}

// Null returns the null cell value.
func Null() Value { return Value{Kind: ValueNull} }

// Number returns a numeric cell value.
func Number(f float64) Value { return Value{Kind: ValueNumber, Num: f} }

// String returns a string cell value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

// MarshalJSON encodes the value as a bare JSON null, number, or string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueString:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes null, numbers, and strings. Booleans and nested
// structures are not valid cell values and are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode cell value")
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case float64:
		*v = Number(t)
	case string:
		*v = String(t)
	default:
		return eris.Errorf("model: unsupported cell value type %T", raw)
	}
	return nil
}

var yearLabelRe = regexp.MustCompile(`^(19|20)\d{2}$`)

// IsYearLabel reports whether label is a four-digit year in [1900, 2099].
// Year labels are valid row labels and exempt from the first-value-null rule.
func IsYearLabel(label string) bool {
	return yearLabelRe.MatchString(label)
}
