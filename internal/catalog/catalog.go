package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/turbolytics/radar-etl/internal"
)

/*
The catalog is a record of what has been archived.
The catalog is a primitive for verifying, inventorying and auditing
data operations.
*/

const FileName = "catalog.json"

// Dataset records one archived dataset file.
type Dataset struct {
	Name                string   `json:"name"`
	Source              string   `json:"source"`
	File                string   `json:"file"`
	Columns             []string `json:"columns"`
	NumSourceRecords    int      `json:"num_source_records"`
	NumRecordsProcessed int      `json:"num_records_processed"`
	Error               string   `json:"error,omitempty"`
}

// Catalog represents the catalog of a single archive snapshot.
type Catalog struct {
	ID                  string    `json:"id"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	Datasets            []Dataset `json:"datasets"`
	NumSourceRecords    int       `json:"num_source_records"`
	NumRecordsProcessed int       `json:"num_records_processed"`
	Completed           bool      `json:"completed"`
}

func (c *Catalog) Add(d Dataset) {
	c.Datasets = append(c.Datasets, d)
	c.NumSourceRecords += d.NumSourceRecords
	c.NumRecordsProcessed += d.NumRecordsProcessed
}

// Write stores the catalog as FileName in the repository.
func (c *Catalog) Write(ctx context.Context, r internal.Repository) error {
	bs, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return r.Write(ctx, FileName, bytes.NewReader(bs))
}
