package mosaic

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/grid"
)

// ReportFile is the name of the run report written next to the tiles.
const ReportFile = "report.json"

// SpecSummary is the JSON form of a GridSpec.
type SpecSummary struct {
	RA      float64   `json:"ra"`
	Dec     float64   `json:"dec"`
	ObsTime time.Time `json:"obs_time,omitempty"`
	Radius  float64   `json:"radius"`
	Overlap float64   `json:"overlap"`
	Pixels  int       `json:"pixels"`
	Bands   []string  `json:"bands"`
}

// TileReport describes one grid position after the run.
type TileReport struct {
	ID    int     `json:"id"`
	Row   int     `json:"row"`
	Col   int     `json:"col"`
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Path  string  `json:"path,omitempty"`
	Error string  `json:"error,omitempty"`
}

// Report is the outcome of Generate.
type Report struct {
	RunID       string                  `json:"run_id"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
	DurationMS  int64                   `json:"duration_ms"`
	Format      string                  `json:"format"`
	Spec        SpecSummary             `json:"spec"`
	Calibration calibration.Calibration `json:"calibration"`
	Tiles       []TileReport            `json:"tiles"`
	Succeeded   []int                   `json:"succeeded"`
	Paths       map[int]string          `json:"paths"`
	Failed      map[int]string          `json:"failed"`
	MosaicPath  string                  `json:"mosaic_path,omitempty"`
	StitchError string                  `json:"stitch_error,omitempty"`
}

func newReport(runID string, spec GridSpec, format string, positions []grid.Position) *Report {
	r := &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Format:    format,
		Spec: SpecSummary{
			RA:      spec.Center.RA,
			Dec:     spec.Center.Dec,
			ObsTime: spec.Center.ObsTime,
			Radius:  spec.Radius,
			Overlap: spec.Overlap,
			Pixels:  spec.Pixels,
			Bands:   slices.Clone(spec.Bands),
		},
		Paths:  make(map[int]string),
		Failed: make(map[int]string),
	}
	r.Tiles = lo.Map(positions, func(p grid.Position, _ int) TileReport {
		return TileReport{ID: p.ID, Row: p.Row(), Col: p.Column(), RA: p.Coord.RA, Dec: p.Coord.Dec}
	})
	return r
}

func (r *Report) record(id int, path string, err error) {
	if err != nil {
		r.Failed[id] = err.Error()
	} else {
		r.Paths[id] = path
	}
	for i := range r.Tiles {
		if r.Tiles[i].ID != id {
			continue
		}
		r.Tiles[i].Path = path
		if err != nil {
			r.Tiles[i].Error = err.Error()
		}
	}
}

func (r *Report) finish() {
	r.Succeeded = lo.Keys(r.Paths)
	slices.Sort(r.Succeeded)
	r.FinishedAt = time.Now().UTC()
	r.DurationMS = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// FailedIDs returns the ids of failed tiles in ascending order.
func (r *Report) FailedIDs() []int {
	ids := lo.Keys(r.Failed)
	slices.Sort(ids)
	return ids
}

// OK reports whether every tile succeeded.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// WriteJSON writes the report to dir/report.json and returns its path.
func (r *Report) WriteJSON(dir string) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	path := filepath.Join(dir, ReportFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// ReadReport loads a report previously written by WriteJSON.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}
