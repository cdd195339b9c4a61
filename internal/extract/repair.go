package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/validate"
)

const repairPassNumber = 4

const repairPromptHeader = `Some tables from this quarterly report were extracted incompletely or not at
all. Re-extract ONLY the tables listed below, complete and correct.

Problem tables:
%s

Return a JSON object:
{
  "tables": [{"table_id": "...", "title": "...", "type": "...", "source_page": N,
              "columns": ["", ...],
              "rows": [{"label": "...", "values": [null, ...], "row_order": N, "indent": N}]}]
}

values must have exactly as many entries as columns; the first entry is null
unless the label is a year. Row labels are read from the PDF.`

// RepairOutcome records what the repair loop found and did. It is produced
// even when nothing needed repair.
type RepairOutcome struct {
	Missing  []string // in the structure map, absent from Pass 2
	Broken   []string // failed validation
	Repaired int      // tables replaced by the repair call
	Result   *PassResult
}

// Attempted reports whether a repair call was issued.
func (o *RepairOutcome) Attempted() bool { return o.Result != nil }

// Repair runs the single-shot repair loop: diff the structure map against the
// extracted tables, fold in validator findings, and issue at most one
// low-cost call for the union. Returned tables replace same-id tables.
func (r *Runner) Repair(ctx context.Context, pdfBase64 string, sm *model.StructureMap, tables []model.ReportTable, findings validate.Result) ([]model.ReportTable, *RepairOutcome, error) {
	outcome := &RepairOutcome{
		Missing: missingTableIDs(sm, tables),
		Broken:  findings.RepairIDs(),
	}

	targets := unionIDs(outcome.Missing, outcome.Broken)
	if len(targets) == 0 {
		return tables, outcome, nil
	}

	zap.L().Info("extract: repairing tables",
		zap.Strings("missing", outcome.Missing),
		zap.Strings("broken", outcome.Broken),
	)

	result, err := r.runPass(ctx, PassSpec{
		Number:    repairPassNumber,
		Name:      "repair",
		Tier:      TierLowCost,
		MaxTokens: RepairMaxTokens,
		BuildPrompt: func() string {
			return fmt.Sprintf(repairPromptHeader, describeProblems(sm, targets, findings))
		},
	}, pdfBase64)
	if err != nil {
		return nil, nil, eris.Wrap(err, "extract: repair")
	}
	outcome.Result = result

	var payload tablesPayload
	if err := json.Unmarshal(result.Data, &payload); err != nil {
		return nil, nil, eris.Wrap(err, "extract: decode repair")
	}

	tables, outcome.Repaired = mergeRepaired(tables, payload.Tables)
	return tables, outcome, nil
}

// missingTableIDs returns structure-map table ids with no extracted table.
func missingTableIDs(sm *model.StructureMap, tables []model.ReportTable) []string {
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t.TableID] = true
	}
	var missing []string
	for _, entry := range sm.Tables {
		if !have[entry.ID] {
			missing = append(missing, entry.ID)
		}
	}
	return missing
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// describeProblems renders one line per problem table: id, title, page, and
// either "missing" or the joined validator errors.
func describeProblems(sm *model.StructureMap, targets []string, findings validate.Result) string {
	var b strings.Builder
	for _, id := range targets {
		title, page := "", 0
		if entry, ok := sm.TableByID(id); ok {
			title, page = entry.Title, entry.SourcePage
		}

		problem := "missing"
		if errs := findings.ErrorsFor(id); len(errs) > 0 {
			parts := make([]string, len(errs))
			for i, f := range errs {
				parts[i] = f.String()
			}
			problem = strings.Join(parts, "; ")
		}
		fmt.Fprintf(&b, "- %s (%q, page %d): %s\n", id, title, page, problem)
	}
	return b.String()
}

// mergeRepaired replaces same-id tables and appends previously missing ones,
// preserving structure-pass ordering for replacements.
func mergeRepaired(tables, repaired []model.ReportTable) ([]model.ReportTable, int) {
	byID := make(map[string]model.ReportTable, len(repaired))
	for _, t := range repaired {
		if t.TableID == "" {
			continue
		}
		byID[t.TableID] = t
	}
	if len(byID) == 0 {
		return tables, 0
	}

	count := 0
	out := make([]model.ReportTable, 0, len(tables)+len(byID))
	for _, t := range tables {
		if fixed, ok := byID[t.TableID]; ok {
			out = append(out, fixed)
			delete(byID, t.TableID)
			count++
			continue
		}
		out = append(out, t)
	}
	// Previously missing tables arrive in repair-response order.
	for _, t := range repaired {
		if fixed, ok := byID[t.TableID]; ok {
			out = append(out, fixed)
			delete(byID, t.TableID)
			count++
		}
	}
	return out, count
}
