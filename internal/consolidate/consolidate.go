// Package consolidate builds the file-producing transform that background
// operations run: it exports a set of inspection records into CSV files
// inside the job's working directory. Cancellation is checked at every
// record boundary, so cancel latency is bounded by one record, not by the
// whole export.
package consolidate

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"certreg/internal/jobs"
	"certreg/internal/models"
	"certreg/internal/progress"
)

// Source is the subset of the record store the export reads.
type Source interface {
	Get(id string) (*models.Record, error)
}

var header = []string{"id", "title", "inspector", "body", "updated_at"}

// Task returns a job task that exports recordIDs one file per record plus
// a consolidated summary file.
func Task(src Source, recordIDs []string) jobs.Task {
	return func(tc *jobs.TaskContext) ([]string, error) {
		tc.Emit(progress.Event{
			Type:    progress.TypeStatus,
			Message: "starting export",
			Fields:  map[string]any{"records": len(recordIDs)},
		})

		var files []string
		summary := [][]string{header}

		for i, id := range recordIDs {
			if tc.Cancelled() {
				return nil, jobs.ErrCancelled
			}

			rec, err := src.Get(id)
			if err != nil {
				return nil, fmt.Errorf("load record %s: %w", id, err)
			}

			row := []string{rec.ID, rec.Title, rec.Inspector, rec.Body,
				strconv.FormatInt(rec.Version(), 10)}
			path := filepath.Join(tc.WorkDir, fmt.Sprintf("record-%s.csv", rec.ID))
			if err := writeCSV(path, [][]string{header, row}); err != nil {
				return nil, fmt.Errorf("write export for %s: %w", id, err)
			}
			files = append(files, path)
			summary = append(summary, row)

			tc.Emit(progress.Event{
				Type:    progress.TypeProgress,
				Message: fmt.Sprintf("exported %s", rec.ID),
				Percent: float64(i+1) / float64(len(recordIDs)) * 100,
				Fields:  map[string]any{"record_id": rec.ID},
			})
		}

		if tc.Cancelled() {
			return nil, jobs.ErrCancelled
		}

		path := filepath.Join(tc.WorkDir, "summary.csv")
		if err := writeCSV(path, summary); err != nil {
			return nil, fmt.Errorf("write summary: %w", err)
		}
		files = append(files, path)
		return files, nil
	}
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}
