// Package results writes per-year cohort tables and the run summary of both
// scenario tracks to a blob store as CSV.
package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"mslt/internal/blob"
	"mslt/internal/core"
	"mslt/internal/stratify"
	"mslt/pkg/domain"
)

// CohortHeader is the column layout of every per-year cohort table.
var CohortHeader = []string{
	"year", "age", "sex",
	"population", "bau_population",
	"deaths", "bau_deaths",
	"person_years", "bau_person_years",
	"HALY", "bau_HALY",
}

// SummaryHeader is the column layout of the run summary.
var SummaryHeader = []string{
	"year",
	"population", "bau_population",
	"deaths", "bau_deaths",
	"person_years", "bau_person_years",
	"HALY", "bau_HALY", "delta_HALY",
}

// Compile-time assertion that the recorder can observe engine runs.
var _ core.StepObserver = (*Recorder)(nil)

// Recorder is a core.StepObserver that stores one cohort CSV per year under
// runs/<run-id>/mm/<year>.csv and keeps the summaries for WriteSummary.
type Recorder struct {
	store blob.Store
	runID string

	mu        sync.Mutex
	summaries []core.YearSummary
	keys      []string
}

// NewRecorder returns a recorder writing to store. An empty runID is replaced
// by a random one.
func NewRecorder(store blob.Store, runID string) *Recorder {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Recorder{store: store, runID: runID}
}

// RunID returns the identifier used in blob keys.
func (r *Recorder) RunID() string { return r.runID }

// Prefix returns the key prefix of every blob written by the recorder.
func (r *Recorder) Prefix() string { return "runs/" + r.runID + "/" }

// Keys lists the blobs written so far, in write order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

// Summaries returns the per-year summaries observed so far.
func (r *Recorder) Summaries() []core.YearSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.YearSummary(nil), r.summaries...)
}

// ObserveStep implements core.StepObserver.
func (r *Recorder) ObserveStep(ctx context.Context, result core.StepResult) error {
	if err := r.Record(ctx, result.Summary.Year, result.BAU, result.Intervention); err != nil {
		return err
	}
	r.mu.Lock()
	r.summaries = append(r.summaries, result.Summary)
	r.mu.Unlock()
	return nil
}

// CohortRow sums the strata of one cohort in both tracks.
type CohortRow struct {
	Year         int
	Cohort       domain.CohortKey
	BAU          domain.Totals
	Intervention domain.Totals
}

// Cohorts aggregates both tracks by cohort. Both tables must hold the same
// strata in the same order. Cohorts without a tracked stratum are omitted.
func Cohorts(year int, bau, intervention domain.Table) ([]CohortRow, error) {
	if len(bau) != len(intervention) {
		return nil, fmt.Errorf("bau has %d rows, intervention %d: %w", len(bau), len(intervention), domain.ErrLengthMismatch)
	}
	var out []CohortRow
	for _, group := range stratify.Groups(intervention) {
		var bauRows, intRows domain.Table
		for _, i := range group.Rows {
			if bau[i].Cohort() != group.Key || bau[i].Strata != intervention[i].Strata {
				return nil, fmt.Errorf("row %d differs between tracks: %s strata %d vs %s strata %d",
					i, bau[i].Cohort(), bau[i].Strata, group.Key, intervention[i].Strata)
			}
			bauRows = append(bauRows, bau[i])
			intRows = append(intRows, intervention[i])
		}
		row := CohortRow{Year: year, Cohort: group.Key, BAU: bauRows.Totals(), Intervention: intRows.Totals()}
		if row.Intervention.Tracked == 0 {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Record writes the cohort table of one year.
func (r *Recorder) Record(ctx context.Context, year int, bau, intervention domain.Table) error {
	rows, err := Cohorts(year, bau, intervention)
	if err != nil {
		return fmt.Errorf("record %d: %w", year, err)
	}
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, []string{
			strconv.Itoa(row.Year),
			strconv.Itoa(row.Cohort.Age),
			row.Cohort.Sex.String(),
			formatFloat(row.Intervention.Population),
			formatFloat(row.BAU.Population),
			formatFloat(row.Intervention.Deaths),
			formatFloat(row.BAU.Deaths),
			formatFloat(row.Intervention.PersonYears),
			formatFloat(row.BAU.PersonYears),
			formatFloat(row.Intervention.HALY),
			formatFloat(row.BAU.HALY),
		})
	}
	key := fmt.Sprintf("%smm/%d.csv", r.Prefix(), year)
	return r.put(ctx, key, CohortHeader, records, map[string]string{"year": strconv.Itoa(year)})
}

// WriteSummary writes the per-year totals observed so far to
// runs/<run-id>/summary.csv and returns the key.
func (r *Recorder) WriteSummary(ctx context.Context) (string, error) {
	summaries := r.Summaries()
	records := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		records = append(records, []string{
			strconv.Itoa(s.Year),
			formatFloat(s.Intervention.Population),
			formatFloat(s.BAU.Population),
			formatFloat(s.Intervention.Deaths),
			formatFloat(s.BAU.Deaths),
			formatFloat(s.Intervention.PersonYears),
			formatFloat(s.BAU.PersonYears),
			formatFloat(s.Intervention.HALY),
			formatFloat(s.BAU.HALY),
			formatFloat(s.Delta.HALY),
		})
	}
	key := r.Prefix() + "summary.csv"
	if err := r.put(ctx, key, SummaryHeader, records, map[string]string{"years": strconv.Itoa(len(summaries))}); err != nil {
		return "", err
	}
	return key, nil
}

func (r *Recorder) put(ctx context.Context, key string, header []string, records [][]string, metadata map[string]string) error {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	md := map[string]string{"run": r.runID, "rows": strconv.Itoa(len(records))}
	for k, v := range metadata {
		md[k] = v
	}
	if _, err := r.store.Put(ctx, key, buf, blob.PutOptions{ContentType: "text/csv", Metadata: md}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return nil
}
