package model

// StructureEntry is one element enumerated by the structure pass.
type StructureEntry struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	SourcePage int      `json:"page"`
	Columns    []string `json:"columns,omitempty"` // tables only
}

// StructureMap is the Pass 1 output: an inventory of every extractable
// element plus document-level metadata. Passes 2 and 3 materialize the
// entries it names.
type StructureMap struct {
	Tables       []StructureEntry `json:"tables"`
	Sections     []StructureEntry `json:"sections"`
	Charts       []StructureEntry `json:"charts"`
	Language     Language         `json:"language"`
	Currency     string           `json:"currency"`
	NumberFormat NumberFormat     `json:"number_format"`
	Quarter      int              `json:"quarter,omitempty"`
	Year         int              `json:"year,omitempty"`
}

// TableByID returns the structure entry for a table id, if present.
func (m *StructureMap) TableByID(id string) (StructureEntry, bool) {
	for _, t := range m.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return StructureEntry{}, false
}

// Counts summarizes the inventory for extraction metadata.
func (m *StructureMap) Counts() Pass1Counts {
	return Pass1Counts{
		Tables:   len(m.Tables),
		Sections: len(m.Sections),
		Charts:   len(m.Charts),
	}
}
