package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/validate"
)

func TestMissingTableIDs(t *testing.T) {
	sm := &model.StructureMap{Tables: []model.StructureEntry{
		{ID: "table_1"}, {ID: "table_2"}, {ID: "table_3"},
	}}
	tables := []model.ReportTable{{TableID: "table_1"}, {TableID: "table_3"}}

	assert.Equal(t, []string{"table_2"}, missingTableIDs(sm, tables))
	assert.Empty(t, missingTableIDs(sm, []model.ReportTable{
		{TableID: "table_1"}, {TableID: "table_2"}, {TableID: "table_3"},
	}))
}

func TestUnionIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, unionIDs([]string{"a", "b"}, []string{"b", "c"}))
	assert.Empty(t, unionIDs(nil, nil))
	assert.Equal(t, []string{"x"}, unionIDs(nil, []string{"x", "x"}))
}

func TestDescribeProblems(t *testing.T) {
	sm := &model.StructureMap{Tables: []model.StructureEntry{
		{ID: "table_1", Title: "Resultaträkning", SourcePage: 3},
		{ID: "table_2", Title: "Balansräkning", SourcePage: 5},
	}}
	findings := validate.Result{Errors: []validate.Finding{
		{Code: validate.CodeEmptyTable, TargetID: "table_1"},
	}}

	out := describeProblems(sm, []string{"table_1", "table_2"}, findings)

	assert.Contains(t, out, `table_1 ("Resultaträkning", page 3): table_1: empty_table`)
	assert.Contains(t, out, `table_2 ("Balansräkning", page 5): missing`)
}

func TestMergeRepaired(t *testing.T) {
	tables := []model.ReportTable{
		{TableID: "table_1", Title: "old"},
		{TableID: "table_2", Title: "keep"},
	}
	repaired := []model.ReportTable{
		{TableID: "table_1", Title: "fixed"},
		{TableID: "table_3", Title: "recovered"},
	}

	out, count := mergeRepaired(tables, repaired)

	assert.Equal(t, 3, len(out))
	assert.Equal(t, 2, count)
	assert.Equal(t, "fixed", out[0].Title, "replacement keeps original position")
	assert.Equal(t, "keep", out[1].Title)
	assert.Equal(t, "recovered", out[2].Title, "missing tables append after")
}

func TestMergeRepairedIgnoresBlankIDs(t *testing.T) {
	tables := []model.ReportTable{{TableID: "table_1"}}

	out, count := mergeRepaired(tables, []model.ReportTable{{TableID: ""}})

	assert.Equal(t, tables, out)
	assert.Zero(t, count)
}
