package model

// EmbeddingDims is the vector size attached to persisted sections.
const EmbeddingDims = 1024

// Section is one narrative text block extracted from a report.
type Section struct {
	SectionID  string    `json:"section_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	SourcePage int       `json:"source_page"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"` // nil until the worker fills it
}

// EmbeddingInput builds the string submitted to the embedding API.
func (s Section) EmbeddingInput() string {
	if s.Title == "" {
		return s.Content
	}
	return s.Title + "\n\n" + s.Content
}

// ChartPoint is a single data point in a chart descriptor.
type ChartPoint struct {
	Label string   `json:"label"`
	Value *float64 `json:"value"`
}

// Chart describes a graphic found in the report. Charts are carried for
// completeness and only checked for structural presence.
type Chart struct {
	ChartID    string       `json:"chart_id"`
	Title      string       `json:"title"`
	Type       string       `json:"type"`
	SourcePage int          `json:"source_page"`
	XAxis      string       `json:"x_axis,omitempty"`
	YAxis      string       `json:"y_axis,omitempty"`
	DataPoints []ChartPoint `json:"data_points,omitempty"`
}
