package model

import "time"

// Roadmap is the owning entity of a datasource record. CSVText holds the
// last uploaded CSV document for csv-backed roadmaps.
type Roadmap struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CSVText   string    `json:"-" db:"csv_text"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
