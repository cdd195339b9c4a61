package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func payloadWith(quarter, year int, tables, sections, charts int, meta model.ExtractionMeta) *model.PeriodPayload {
	p := &model.PeriodPayload{
		Quarter:  quarter,
		Year:     year,
		Currency: "SEK",
		Language: model.LanguageSwedish,
		Meta:     meta,
	}
	for i := 0; i < tables; i++ {
		p.Tables = append(p.Tables, model.ReportTable{
			TableID: "table_" + string(rune('1'+i)),
			Title:   "Resultaträkning",
			Columns: []string{"", "Q"},
			Rows:    []model.TableRow{{Label: "Nettoomsättning", Values: []model.Value{model.Null(), model.Number(1)}}},
		})
	}
	for i := 0; i < sections; i++ {
		p.Sections = append(p.Sections, model.Section{
			SectionID: "section_" + string(rune('1'+i)),
			Title:     "VD har ordet",
			Content:   "Text.",
		})
	}
	for i := 0; i < charts; i++ {
		p.Charts = append(p.Charts, model.Chart{ChartID: "chart_" + string(rune('1'+i)), Title: "Diagram"})
	}
	return p
}

func TestBuildReport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.UpsertCompany(ctx, "Trelleborg Sjöfart")
	require.NoError(t, err)

	clean := model.ExtractionMeta{
		ExtractedAt: time.Now().UTC(),
		CostSEK:     12.5,
		Pass1Counts: model.Pass1Counts{Tables: 2, Sections: 1, Charts: 1},
	}
	_, err = st.SavePeriodAtomic(ctx, c.ID, payloadWith(1, 2024, 2, 1, 1, clean), "aaaaaaaaaaaa", "q1.pdf")
	require.NoError(t, err)

	// Q2 lost a table to a failed repair and kept a label error.
	broken := model.ExtractionMeta{
		ExtractedAt:   time.Now().UTC(),
		CostSEK:       7.5,
		Pass1Counts:   model.Pass1Counts{Tables: 2, Sections: 1, Charts: 0},
		MissingTables: []string{"table_2"},
		RepairCount:   0,
		Validation: model.ValidationSummary{
			Errors:   []string{`table_1: invalid_label (row 2 label "rad 2")`},
			Warnings: []string{"section_1: empty_content"},
		},
	}
	_, err = st.SavePeriodAtomic(ctx, c.ID, payloadWith(2, 2024, 1, 1, 0, broken), "bbbbbbbbbbbb", "q2.pdf")
	require.NoError(t, err)

	out, err := NewBuilder(st).Build(ctx, c)
	require.NoError(t, err)

	assert.Contains(t, out, "Kvartalsrapport: Trelleborg Sjöfart")
	assert.Contains(t, out, "Oversikt")
	assert.Contains(t, out, "Q1 2024")
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "q2.pdf")
	assert.Contains(t, out, "20.00") // summed cost

	// Aggregate status: 3 of 4 tables, 2 of 2 sections, 1 of 1 charts.
	assert.Contains(t, out, "Tabeller   3/4")
	assert.Contains(t, out, "Avsnitt    2/2")
	assert.Contains(t, out, "Diagram    1/1")

	assert.Contains(t, out, "Kritiskt")
	assert.Contains(t, out, "1 tabeller saknas efter reparation")
	assert.Contains(t, out, "Medel")
	assert.Contains(t, out, "invalid_label")
	assert.Contains(t, out, "Lag")
	assert.Contains(t, out, "empty_content")

	// Critical issues print before medium, medium before low.
	assert.Less(t, strings.Index(out, "Kritiskt"), strings.Index(out, "Medel"))
	assert.Less(t, strings.Index(out, "Medel"), strings.Index(out, "Lag  "))

	assert.Contains(t, out, "Avvikelser")
	assert.Contains(t, out, "Q2 2024: tabeller 1 i databas, 2 enligt metadata")
	assert.NotContains(t, out, "Q1 2024: tabeller")

	assert.Contains(t, out, "Vektortackning: 0/2 (0%)")
	assert.NotContains(t, out, "modell")

	// Once vectors land, coverage names the embedding model.
	pending, err := st.SectionsWithoutEmbedding(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	require.NoError(t, st.UpdateSectionEmbedding(ctx, pending[0].RowID, make([]float32, model.EmbeddingDims), "voyage-3"))

	out, err = NewBuilder(st).Build(ctx, c)
	require.NoError(t, err)
	assert.Contains(t, out, "Vektortackning: 1/2 (50%), modell voyage-3")
}

func TestBuildReportNoPeriods(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	out, err := NewBuilder(st).Build(ctx, c)
	require.NoError(t, err)
	assert.Contains(t, out, "Kvartalsrapport: Acme")
	assert.Contains(t, out, "(inga)")
	assert.Contains(t, out, "Vektortackning: 0/0 (100%)")
}
