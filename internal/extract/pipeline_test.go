package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordsight/rapport-cli/internal/cost"
	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/resilience"
	"github.com/nordsight/rapport-cli/internal/store"
	"github.com/nordsight/rapport-cli/pkg/anthropic"
)

// minimalPDF builds a valid one-page PDF with a correct xref table.
func minimalPDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>\nendobj\n",
	}
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		buf.WriteString(obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

const structureJSON = `{
	"tables": [
		{"id": "table_1", "title": "Resultaträkning", "type": "income_statement", "page": 3, "columns": ["", "Q2 2024", "Q2 2023"]},
		{"id": "table_2", "title": "Balansräkning", "type": "balance_sheet", "page": 5, "columns": ["", "2024-06-30"]}
	],
	"sections": [{"id": "section_1", "title": "VD har ordet", "type": "ceo_letter", "page": 2}],
	"charts": [{"id": "chart_1", "title": "Omsättning per segment", "type": "bar", "page": 4}],
	"language": "sv",
	"currency": "SEK",
	"number_format": "swedish",
	"quarter": 2,
	"year": 2024
}`

// Pass 2 omits table_2, forcing the repair loop to fetch it.
const tablesJSON = `{
	"tables": [
		{"table_id": "table_1", "title": "Resultaträkning", "type": "income_statement", "source_page": 3,
		 "columns": ["", "Q2 2024", "Q2 2023"],
		 "rows": [{"label": "Nettoomsättning", "values": [null, 1234.5, 1100.0], "row_order": 0}]}
	],
	"charts": [
		{"chart_id": "chart_1", "title": "Omsättning per segment", "type": "bar", "source_page": 4,
		 "data_points": [{"label": "Q2", "value": 9.5}]}
	]
}`

const narrativeJSON = `{
	"sections": [
		{"section_id": "section_1", "title": "VD har ordet", "type": "ceo_letter", "source_page": 2,
		 "content": "Ett starkt kvartal med god organisk tillväxt."}
	]
}`

const repairJSON = `{
	"tables": [
		{"table_id": "table_2", "title": "Balansräkning", "type": "balance_sheet", "source_page": 5,
		 "columns": ["", "2024-06-30"],
		 "rows": [{"label": "Summa tillgångar", "values": [null, 9876.0], "row_order": 0}]}
	]
}`

// mockClient dispatches on prompt content and counts calls.
type mockClient struct {
	mu            sync.Mutex
	calls         []string
	structureErrs int // transient failures to inject before structure succeeds
	tablesJSON    string
}

func (m *mockClient) CreateDocumentMessage(_ context.Context, req anthropic.DocumentRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := func(text string) *anthropic.MessageResponse {
		return &anthropic.MessageResponse{
			Model:      req.Model,
			Text:       text,
			StopReason: "end_turn",
			Usage:      anthropic.TokenUsage{InputTokens: 10_000, OutputTokens: 2_000},
		}
	}

	switch {
	case strings.Contains(req.Prompt, "List every extractable element"):
		m.calls = append(m.calls, "structure")
		if m.structureErrs > 0 {
			m.structureErrs--
			return nil, resilience.NewTransientError(eris.New("api overloaded"), 529)
		}
		return resp(structureJSON), nil
	case strings.Contains(req.Prompt, "Materialize these table ids"):
		m.calls = append(m.calls, "tables")
		body := m.tablesJSON
		if body == "" {
			body = tablesJSON
		}
		return resp(body), nil
	case strings.Contains(req.Prompt, "Materialize these section ids"):
		m.calls = append(m.calls, "narrative")
		return resp(narrativeJSON), nil
	case strings.Contains(req.Prompt, "Re-extract ONLY"):
		m.calls = append(m.calls, "repair")
		return resp(repairJSON), nil
	}
	return nil, eris.Errorf("unexpected prompt: %.60s", req.Prompt)
}

func (m *mockClient) callNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, client anthropic.Client) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	runner := NewRunner(client, 2, "claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929", time.Minute)
	p := NewPipeline(st, runner, cost.NewCalculator(cost.DefaultRates()), Config{RetryBase: time.Millisecond})
	return p, st
}

func writePDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, minimalPDF(), 0o644))
	return path
}

func TestProcessPDFFullFlow(t *testing.T) {
	client := &mockClient{}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	var events []string
	path := writePDF(t, "acme-2024-q2-sv.pdf")
	res, err := p.ProcessPDF(ctx, company, path, true, func(ev model.ProgressEvent) {
		events = append(events, ev.Code())
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Cached)
	assert.Equal(t, 2, res.Quarter)
	assert.Equal(t, 2024, res.Year)
	assert.Equal(t, store.ChildCounts{Tables: 2, Sections: 1, Charts: 1}, res.Counts)
	assert.Greater(t, res.CostUSD, 0.0)
	assert.InDelta(t, res.CostUSD*10.5, res.CostSEK, 1e-9)

	assert.Equal(t, []string{"extracting", "pass_1", "pass_2_3", "validating", "done"}, events)

	payload, err := st.LoadPeriod(ctx, res.PeriodID)
	require.NoError(t, err)
	assert.Equal(t, model.LanguageSwedish, payload.Language)
	assert.Equal(t, "SEK", payload.Currency)
	assert.Equal(t, model.Pass1Counts{Tables: 2, Sections: 1, Charts: 1}, payload.Meta.Pass1Counts)
	assert.Equal(t, []string{"table_2"}, payload.Meta.MissingTables)
	assert.Equal(t, 1, payload.Meta.RepairCount)
	assert.Len(t, payload.Meta.Passes, 4)
	assert.Equal(t, model.NumberFormatSwedish, payload.Meta.NumberFormat)
	assert.Equal(t, 1, payload.Meta.PageCount)

	// The repaired table landed with its structure-map id.
	require.Len(t, payload.Tables, 2)
	ids := []string{payload.Tables[0].TableID, payload.Tables[1].TableID}
	assert.ElementsMatch(t, []string{"table_1", "table_2"}, ids)

	// Rows persist densely numbered from 1 even though the model emitted 0.
	for _, tbl := range payload.Tables {
		for i, row := range tbl.Rows {
			assert.Equal(t, i+1, row.Order, "%s row %d", tbl.TableID, i)
		}
	}
}

func TestNormalizeRowOrder(t *testing.T) {
	tables := []model.ReportTable{{
		TableID: "table_1",
		Rows: []model.TableRow{
			{Label: "Summa", Order: 7},
			{Label: "Nettoomsättning", Order: 2},
			{Label: "Övriga intäkter", Order: 3},
		},
	}, {
		TableID: "table_2",
		Rows: []model.TableRow{
			{Label: "Tillgångar"},
			{Label: "Skulder"},
		},
	}}

	normalizeRowOrder(tables)

	assert.Equal(t, []string{"Nettoomsättning", "Övriga intäkter", "Summa"},
		[]string{tables[0].Rows[0].Label, tables[0].Rows[1].Label, tables[0].Rows[2].Label})
	for _, tbl := range tables {
		for i, row := range tbl.Rows {
			assert.Equal(t, i+1, row.Order)
		}
	}
}

func TestProcessPDFCacheHit(t *testing.T) {
	client := &mockClient{}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	path := writePDF(t, "acme-2024-q2-sv.pdf")
	first, err := p.ProcessPDF(ctx, company, path, true, nil)
	require.NoError(t, err)
	callsAfterFirst := len(client.callNames())

	var events []string
	second, err := p.ProcessPDF(ctx, company, path, true, func(ev model.ProgressEvent) {
		events = append(events, ev.Code())
	})
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.PeriodID, second.PeriodID)
	assert.Equal(t, []string{"cached"}, events)
	assert.Len(t, client.callNames(), callsAfterFirst, "cache hit must not call the LLM")
}

func TestProcessPDFCacheBypass(t *testing.T) {
	client := &mockClient{}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	path := writePDF(t, "acme-2024-q2-sv.pdf")
	_, err = p.ProcessPDF(ctx, company, path, true, nil)
	require.NoError(t, err)

	second, err := p.ProcessPDF(ctx, company, path, false, nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, countCalls(client.callNames(), "structure"))
}

func TestProcessPDFRetriesTransient(t *testing.T) {
	client := &mockClient{structureErrs: 1}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	var attempts []int
	path := writePDF(t, "acme-2024-q2-sv.pdf")
	res, err := p.ProcessPDF(ctx, company, path, true, func(ev model.ProgressEvent) {
		if ev.Stage == model.StageExtracting {
			attempts = append(attempts, ev.Attempt)
		}
	})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 2, countCalls(client.callNames(), "structure"))
}

func TestProcessPDFShouldRetryDeclines(t *testing.T) {
	client := &mockClient{structureErrs: 1}
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	runner := NewRunner(client, 2, "claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929", time.Minute)
	p := NewPipeline(st, runner, cost.NewCalculator(cost.DefaultRates()), Config{
		RetryBase:   time.Millisecond,
		ShouldRetry: func(int, error) bool { return false },
	})

	ctx := context.Background()
	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	var failed []string
	path := writePDF(t, "acme-2024-q2-sv.pdf")
	_, err = p.ProcessPDF(ctx, company, path, true, func(ev model.ProgressEvent) {
		if ev.Stage == model.StageFailed {
			failed = append(failed, ev.Code())
		}
	})
	require.Error(t, err)
	assert.Equal(t, 1, countCalls(client.callNames(), "structure"))
	require.Len(t, failed, 1)
	assert.True(t, strings.HasPrefix(failed[0], "failed:"))
}

func TestProcessPDFRejectsNonPDF(t *testing.T) {
	client := &mockClient{}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "acme-2024-q2-sv.pdf")
	require.NoError(t, os.WriteFile(path, []byte("<html>not a pdf</html>"), 0o644))

	var events []string
	_, err = p.ProcessPDF(ctx, company, path, true, func(ev model.ProgressEvent) {
		events = append(events, ev.Code())
	})
	require.Error(t, err)
	assert.Empty(t, client.callNames(), "schema failures must not reach the LLM")
	require.Len(t, events, 1)
	assert.Equal(t, "failed:not a readable PDF", events[0])
}

func TestProcessPDFNoRepairWhenComplete(t *testing.T) {
	// Pass 2 returns everything the structure map names: no repair call.
	full := `{
		"tables": [
			{"table_id": "table_1", "title": "Resultaträkning", "type": "income_statement", "source_page": 3,
			 "columns": ["", "Q2 2024", "Q2 2023"],
			 "rows": [{"label": "Nettoomsättning", "values": [null, 1234.5, 1100.0], "row_order": 0}]},
			{"table_id": "table_2", "title": "Balansräkning", "type": "balance_sheet", "source_page": 5,
			 "columns": ["", "2024-06-30"],
			 "rows": [{"label": "Summa tillgångar", "values": [null, 9876.0], "row_order": 0}]}
		],
		"charts": []
	}`
	client := &mockClient{tablesJSON: full}
	p, st := newTestPipeline(t, client)
	ctx := context.Background()

	company, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	path := writePDF(t, "acme-2024-q2-sv.pdf")
	res, err := p.ProcessPDF(ctx, company, path, true, nil)
	require.NoError(t, err)

	assert.Zero(t, countCalls(client.callNames(), "repair"))

	payload, err := st.LoadPeriod(ctx, res.PeriodID)
	require.NoError(t, err)
	assert.Empty(t, payload.Meta.MissingTables)
	assert.Zero(t, payload.Meta.RepairCount)
	assert.Len(t, payload.Meta.Passes, 3)
}
