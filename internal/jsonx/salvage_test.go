package jsonx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSalvageDirect(t *testing.T) {
	out, err := Salvage(`{"tables":[{"id":"table_1"}]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tables":[{"id":"table_1"}]}`, string(out))
}

func TestSalvageStripsFences(t *testing.T) {
	raw := "```json\n{\"language\":\"sv\",\"currency\":\"SEK\"}\n```"
	out, err := Salvage(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"language":"sv","currency":"SEK"}`, string(out))
}

func TestSalvageIgnoresSurroundingProse(t *testing.T) {
	raw := `Here is the extracted structure:

{"tables":[],"sections":[]}

Let me know if you need anything else.`
	out, err := Salvage(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tables":[],"sections":[]}`, string(out))
}

func TestSalvageTrailingCommas(t *testing.T) {
	raw := `{"rows":[{"label":"Summa","values":[null,134,]},],"id":"table_2",}`
	out, err := Salvage(raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "table_2", decoded["id"])
}

func TestSalvageTruncatedMidString(t *testing.T) {
	// Output cut off inside a string value: the partial member is dropped
	// and all open brackets closed.
	raw := `{"tables":[{"id":"table_1","title":"Resultaträkning"},{"id":"table_2","title":"Balansr`
	out, err := Salvage(raw)
	require.NoError(t, err)

	var decoded struct {
		Tables []struct {
			ID string `json:"id"`
		} `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.NotEmpty(t, decoded.Tables)
	assert.Equal(t, "table_1", decoded.Tables[0].ID)
}

func TestSalvageTruncatedAfterValue(t *testing.T) {
	raw := `{"sections":[{"id":"section_1","page":4},{"id":"section_2","page":`
	out, err := Salvage(raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "sections")
}

func TestSalvageBalancedPrefix(t *testing.T) {
	// Garbage appended after a complete object.
	raw := `{"id":"table_3","rows":[]}{"id":"tab}`
	out, err := Salvage(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"table_3","rows":[]}`, string(out))
}

func TestSalvageNoJSON(t *testing.T) {
	_, err := Salvage("I could not find any tables in this document.")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSalvageEmpty(t *testing.T) {
	_, err := Salvage("")
	require.Error(t, err)
}

// Salvaging the serialization of a salvage result must return the same tree.
func TestSalvageIdempotent(t *testing.T) {
	inputs := []string{
		`{"a":1,"b":[null,"x",2.5]}`,
		"```json\n{\"rows\":[{\"label\":\"2024\",\"values\":[2024,1,2]}]}\n```",
		`{"tables":[{"id":"table_1"},{"id":"table_2","title":"Kassaflö`,
		`{"rows":[{"values":[1,]},]}`,
	}
	for _, in := range inputs {
		first, err := Salvage(in)
		require.NoError(t, err, in)

		var tree any
		require.NoError(t, json.Unmarshal(first, &tree))
		serialized, err := json.Marshal(tree)
		require.NoError(t, err)

		second, err := Salvage(string(serialized))
		require.NoError(t, err)

		var tree2 any
		require.NoError(t, json.Unmarshal(second, &tree2))
		assert.Equal(t, tree, tree2, in)
	}
}

func TestSalvageInto(t *testing.T) {
	var out struct {
		Language string `json:"language"`
	}
	require.NoError(t, SalvageInto(`{"language":"no"}`, &out))
	assert.Equal(t, "no", out.Language)

	require.Error(t, SalvageInto("not json at all", &out))
}
