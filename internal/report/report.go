// Package report renders the per-company extraction report and keeps the
// on-disk PDF layout in sync with the store.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/store"
)

// Severity buckets for the error table.
const (
	SeverityCritical = "Kritiskt" // missing or structurally broken tables
	SeverityMedium   = "Medel"    // invalid row labels
	SeverityLow      = "Lag"      // cosmetic warnings
)

// Issue is one classified finding attributed to a period.
type Issue struct {
	Severity string
	Period   string
	Detail   string
}

// Builder reads the store and renders the fixed-width company report.
type Builder struct {
	store store.Store
}

// NewBuilder creates a report builder.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Build renders the report for one company: overview per period, aggregate
// extracted/found status, classified errors, a drift check of metadata counts
// against store counts, and embedding coverage.
func (b *Builder) Build(ctx context.Context, company *model.Company) (string, error) {
	periods, err := b.store.ListPeriods(ctx, company.ID)
	if err != nil {
		return "", eris.Wrap(err, "report: list periods")
	}

	ids := make([]int64, len(periods))
	for i, p := range periods {
		ids[i] = p.ID
	}
	counts, err := b.store.CountChildrenBatch(ctx, ids)
	if err != nil {
		return "", eris.Wrap(err, "report: count children")
	}
	stats, err := b.store.EmbeddingStats(ctx, company.ID)
	if err != nil {
		return "", eris.Wrap(err, "report: embedding stats")
	}

	var w strings.Builder
	fmt.Fprintf(&w, "Kvartalsrapport: %s\n", company.Name)
	fmt.Fprintf(&w, "Genererad: %s\n\n", time.Now().UTC().Format("2006-01-02 15:04"))

	writeOverview(&w, periods, counts)
	writeStatus(&w, periods, counts)
	writeIssues(&w, classifyIssues(periods, counts))
	writeDrift(&w, periods, counts)

	fmt.Fprintf(&w, "Vektortackning: %d/%d (%.0f%%)",
		stats.Embedded, stats.Total, stats.Coverage()*100)
	if stats.Model != "" {
		fmt.Fprintf(&w, ", modell %s", stats.Model)
	}
	w.WriteString("\n")

	return w.String(), nil
}

func periodLabel(p model.Period) string {
	return fmt.Sprintf("Q%d %d", p.Quarter, p.Year)
}

func writeOverview(w *strings.Builder, periods []model.Period, counts map[int64]store.ChildCounts) {
	w.WriteString("Oversikt\n")
	fmt.Fprintf(w, "  %-8s %9s %8s %8s %12s  %s\n",
		"Period", "Tabeller", "Avsnitt", "Diagram", "Kostnad SEK", "Kallfil")
	var totalSEK float64
	for _, p := range periods {
		c := counts[p.ID]
		totalSEK += p.Meta.CostSEK
		fmt.Fprintf(w, "  %-8s %9d %8d %8d %12.2f  %s\n",
			periodLabel(p), c.Tables, c.Sections, c.Charts, p.Meta.CostSEK, p.SourceFile)
	}
	fmt.Fprintf(w, "  %-8s %9s %8s %8s %12.2f\n\n", "Totalt", "", "", "", totalSEK)
}

// writeStatus aggregates persisted counts against the structure pass's
// inventory; "extracted/found" per category.
func writeStatus(w *strings.Builder, periods []model.Period, counts map[int64]store.ChildCounts) {
	var found model.Pass1Counts
	var got store.ChildCounts
	for _, p := range periods {
		found.Tables += p.Meta.Pass1Counts.Tables
		found.Sections += p.Meta.Pass1Counts.Sections
		found.Charts += p.Meta.Pass1Counts.Charts
		c := counts[p.ID]
		got.Tables += c.Tables
		got.Sections += c.Sections
		got.Charts += c.Charts
	}

	w.WriteString("Status (extraherat/funnet)\n")
	fmt.Fprintf(w, "  %-10s %d/%d\n", "Tabeller", got.Tables, found.Tables)
	fmt.Fprintf(w, "  %-10s %d/%d\n", "Avsnitt", got.Sections, found.Sections)
	fmt.Fprintf(w, "  %-10s %d/%d\n\n", "Diagram", got.Charts, found.Charts)
}

// classifyIssues buckets residual validation findings. Missing and
// structurally broken tables are critical, bad labels medium, warnings low.
// Missing means absent from the store, so tables the repair pass recovered do
// not count.
func classifyIssues(periods []model.Period, counts map[int64]store.ChildCounts) []Issue {
	var issues []Issue
	for _, p := range periods {
		label := periodLabel(p)
		if still := p.Meta.Pass1Counts.Tables - counts[p.ID].Tables; still > 0 {
			issues = append(issues, Issue{
				Severity: SeverityCritical,
				Period:   label,
				Detail:   fmt.Sprintf("%d tabeller saknas efter reparation", still),
			})
		}
		for _, e := range p.Meta.Validation.Errors {
			sev := SeverityCritical
			if strings.Contains(e, "invalid_label") {
				sev = SeverityMedium
			}
			issues = append(issues, Issue{Severity: sev, Period: label, Detail: e})
		}
		for _, warn := range p.Meta.Validation.Warnings {
			issues = append(issues, Issue{Severity: SeverityLow, Period: label, Detail: warn})
		}
	}
	return issues
}

func writeIssues(w *strings.Builder, issues []Issue) {
	w.WriteString("Fel och varningar\n")
	if len(issues) == 0 {
		w.WriteString("  (inga)\n\n")
		return
	}
	for _, sev := range []string{SeverityCritical, SeverityMedium, SeverityLow} {
		for _, is := range issues {
			if is.Severity != sev {
				continue
			}
			fmt.Fprintf(w, "  %-9s %-8s %s\n", is.Severity, is.Period, is.Detail)
		}
	}
	w.WriteString("\n")
}

// writeDrift compares each period's metadata counts with what the store
// actually holds. The store is the ground truth; drift means metadata and
// rows disagree.
func writeDrift(w *strings.Builder, periods []model.Period, counts map[int64]store.ChildCounts) {
	var drifts []string
	for _, p := range periods {
		c := counts[p.ID]
		if c.Tables != p.Meta.Pass1Counts.Tables {
			drifts = append(drifts, fmt.Sprintf("%s: tabeller %d i databas, %d enligt metadata",
				periodLabel(p), c.Tables, p.Meta.Pass1Counts.Tables))
		}
		if c.Sections != p.Meta.Pass1Counts.Sections {
			drifts = append(drifts, fmt.Sprintf("%s: avsnitt %d i databas, %d enligt metadata",
				periodLabel(p), c.Sections, p.Meta.Pass1Counts.Sections))
		}
		if c.Charts != p.Meta.Pass1Counts.Charts {
			drifts = append(drifts, fmt.Sprintf("%s: diagram %d i databas, %d enligt metadata",
				periodLabel(p), c.Charts, p.Meta.Pass1Counts.Charts))
		}
	}

	w.WriteString("Avvikelser\n")
	if len(drifts) == 0 {
		w.WriteString("  (inga)\n\n")
		return
	}
	for _, d := range drifts {
		fmt.Fprintf(w, "  %s\n", d)
	}
	w.WriteString("\n")
}
