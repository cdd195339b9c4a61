// Package validate runs pure structural checks on extracted period payloads.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nordsight/rapport-cli/internal/model"
)

// Finding codes. Errors mark a table for the repair pass; warnings are
// recorded but never trigger a retry.
const (
	CodeEmptyTable           = "empty_table"
	CodeInvalidLabel         = "invalid_label"
	CodeValuesLengthMismatch = "values_length_mismatch"
	CodeFirstValueNotNull    = "first_value_not_null"
	CodeEmptyContent         = "empty_content"
	CodeMissingTitle         = "missing_title"
)

// Finding is a single validation issue tied to a table or section.
type Finding struct {
	Code     string `json:"code"`
	TargetID string `json:"target_id"`
	Detail   string `json:"detail,omitempty"`
}

func (f Finding) String() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: %s", f.TargetID, f.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", f.TargetID, f.Code, f.Detail)
}

// Result aggregates findings for one period payload.
type Result struct {
	Errors   []Finding
	Warnings []Finding
}

// OK reports whether no errors were found. Warnings are allowed.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// RepairIDs returns the sorted set of table ids with at least one error.
func (r Result) RepairIDs() []string {
	seen := make(map[string]bool, len(r.Errors))
	for _, f := range r.Errors {
		seen[f.TargetID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrorsFor returns the error findings for one table id.
func (r Result) ErrorsFor(tableID string) []Finding {
	var out []Finding
	for _, f := range r.Errors {
		if f.TargetID == tableID {
			out = append(out, f)
		}
	}
	return out
}

// Summary flattens the result into the extraction metadata form.
func (r Result) Summary() model.ValidationSummary {
	var s model.ValidationSummary
	for _, f := range r.Errors {
		s.Errors = append(s.Errors, f.String())
	}
	for _, f := range r.Warnings {
		s.Warnings = append(s.Warnings, f.String())
	}
	return s
}

// Placeholder labels the premium model sometimes emits instead of reading the
// PDF: "label: 3", "row 12", "rad 4" (Swedish), or bare whitespace.
var invalidLabelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^label:\s*\d+$`),
	regexp.MustCompile(`(?i)^row\s*\d+$`),
	regexp.MustCompile(`(?i)^rad\s*\d+$`),
}

// labelValid reports whether a row label is acceptable. Four-digit years in
// [1900, 2099] are explicitly valid; comparison-column tables use them.
func labelValid(label string) bool {
	if strings.TrimSpace(label) == "" {
		return false
	}
	if model.IsYearLabel(label) {
		return true
	}
	for _, re := range invalidLabelPatterns {
		if re.MatchString(label) {
			return false
		}
	}
	return true
}

// Table validates a single table and returns its findings.
func Table(t model.ReportTable) Result {
	var res Result

	if len(t.Rows) == 0 {
		res.Errors = append(res.Errors, Finding{Code: CodeEmptyTable, TargetID: t.TableID})
		return res
	}

	for i, row := range t.Rows {
		if !labelValid(row.Label) {
			res.Errors = append(res.Errors, Finding{
				Code:     CodeInvalidLabel,
				TargetID: t.TableID,
				Detail:   fmt.Sprintf("row %d label %q", i+1, row.Label),
			})
		}
		if len(row.Values) != len(t.Columns) {
			res.Errors = append(res.Errors, Finding{
				Code:     CodeValuesLengthMismatch,
				TargetID: t.TableID,
				Detail:   fmt.Sprintf("row %d has %d values, table has %d columns", i+1, len(row.Values), len(t.Columns)),
			})
		}
		if len(row.Values) > 0 && !row.Values[0].IsNull() && !model.IsYearLabel(row.Label) {
			res.Warnings = append(res.Warnings, Finding{
				Code:     CodeFirstValueNotNull,
				TargetID: t.TableID,
				Detail:   fmt.Sprintf("row %d", i+1),
			})
		}
	}
	return res
}

// Section validates a narrative section. Sections only ever produce warnings.
func Section(s model.Section) Result {
	var res Result
	if strings.TrimSpace(s.Content) == "" {
		res.Warnings = append(res.Warnings, Finding{Code: CodeEmptyContent, TargetID: s.SectionID})
	}
	if strings.TrimSpace(s.Title) == "" {
		res.Warnings = append(res.Warnings, Finding{Code: CodeMissingTitle, TargetID: s.SectionID})
	}
	return res
}

// Period validates every table and section in a payload.
func Period(p *model.PeriodPayload) Result {
	var res Result
	for _, t := range p.Tables {
		tr := Table(t)
		res.Errors = append(res.Errors, tr.Errors...)
		res.Warnings = append(res.Warnings, tr.Warnings...)
	}
	for _, s := range p.Sections {
		sr := Section(s)
		res.Warnings = append(res.Warnings, sr.Warnings...)
	}
	return res
}
