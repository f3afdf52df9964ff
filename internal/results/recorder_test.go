package results_test

import (
	"context"
	"encoding/csv"
	"errors"
	"strconv"
	"testing"

	"mslt/internal/blob"
	"mslt/internal/config"
	"mslt/internal/core"
	"mslt/internal/infra/persistence/memory"
	"mslt/internal/lookup"
	"mslt/internal/results"
	"mslt/pkg/domain"
)

func flat(t *testing.T, name string, keyed bool, values map[int]float64) *lookup.Producer {
	t.Helper()
	var bins []lookup.Bin
	for _, sex := range []domain.Sex{domain.SexMale, domain.SexFemale} {
		for strata, v := range values {
			bins = append(bins, lookup.Bin{Sex: sex, Strata: strata, AgeStart: 0, AgeEnd: 120, YearStart: 2000, YearEnd: 2100, Value: v})
		}
	}
	table, err := lookup.NewTable(name, keyed, bins)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return lookup.NewProducer(table)
}

func memoryBlobs(t *testing.T) blob.Store {
	t.Helper()
	store, err := blob.Open(context.Background(), config.Blob{Driver: string(blob.DriverMemory)})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	return store
}

func newEngine(t *testing.T, observer core.StepObserver, maxAge int) *core.Engine {
	t.Helper()
	mortality := flat(t, "mortality", false, map[int]float64{0: 0.02})
	mortality.Register(lookup.Scale{Factor: 0.5})
	rates := lookup.Rates{
		MortalityAgg:  mortality,
		MortalityProp: flat(t, "mortality_ratio", true, map[int]float64{0: 0.8, 1: 1.2}),
		YLDAgg:        flat(t, "yld", false, map[int]float64{0: 0.1}),
		YLDProp:       flat(t, "yld_ratio", true, map[int]float64{0: 0.5, 1: 1.5}),
	}
	engine, err := core.NewEngine(memory.NewStore(core.NewDefaultRulesEngine()), rates,
		core.Config{StartYear: 2020, MaxAge: maxAge}, core.WithObserver(observer))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	inputs := core.Inputs{
		Population: []core.AggregatePopulation{
			{Age: 50, Sex: domain.SexFemale, Population: 1000},
			{Age: 52, Sex: domain.SexMale, Population: 500},
		},
		Proportions: []core.StratumProportion{
			{Age: 50, Sex: domain.SexFemale, Strata: 0, Proportion: 0.6},
			{Age: 50, Sex: domain.SexFemale, Strata: 1, Proportion: 0.4},
			{Age: 52, Sex: domain.SexMale, Strata: 0, Proportion: 0.5},
			{Age: 52, Sex: domain.SexMale, Strata: 1, Proportion: 0.5},
		},
	}
	if err := engine.Initialize(context.Background(), inputs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return engine
}

func readCSV(t *testing.T, store blob.Store, key string) (blob.Info, [][]string) {
	t.Helper()
	info, rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	records, err := csv.NewReader(rc).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", key, err)
	}
	return info, records
}

func parse(t *testing.T, s string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestRecorderWritesCohortTables(t *testing.T) {
	store := memoryBlobs(t)
	rec := results.NewRecorder(store, "r1")
	engine := newEngine(t, rec, 110)
	summaries, err := engine.Run(context.Background(), 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, records := readCSV(t, store, "runs/r1/mm/2020.csv")
	if info.ContentType != "text/csv" || info.Metadata["run"] != "r1" || info.Metadata["year"] != "2020" || info.Metadata["rows"] != "2" {
		t.Fatalf("unexpected blob info %+v", info)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 cohorts, got %d records", len(records))
	}
	for i, col := range results.CohortHeader {
		if records[0][i] != col {
			t.Fatalf("header mismatch at %d: %q", i, records[0][i])
		}
	}
	female := records[1]
	if female[0] != "2020" || female[1] != "50" || female[2] != "female" {
		t.Fatalf("unexpected cohort columns %v", female)
	}
	if parse(t, female[3]) <= parse(t, female[4]) {
		t.Fatalf("halved mortality should keep more people alive: %v", female)
	}
	if parse(t, female[5]) >= parse(t, female[6]) {
		t.Fatalf("halved mortality should reduce deaths: %v", female)
	}

	list, err := store.List(context.Background(), "runs/r1/mm/")
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 yearly tables, got %v %d", err, len(list))
	}

	key, err := rec.WriteSummary(context.Background())
	if err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	_, summary := readCSV(t, store, key)
	if key != "runs/r1/summary.csv" || len(summary) != 4 {
		t.Fatalf("unexpected summary %s %v", key, summary)
	}
	last := summary[3]
	if last[0] != "2022" || parse(t, last[1]) != summaries[2].Intervention.Population || parse(t, last[9]) != summaries[2].Delta.HALY {
		t.Fatalf("summary row does not match engine totals: %v vs %+v", last, summaries[2])
	}
	if len(rec.Summaries()) != 3 || len(rec.Keys()) != 4 {
		t.Fatalf("unexpected recorder state %d %v", len(rec.Summaries()), rec.Keys())
	}
}

func TestRecorderOmitsRetiredCohorts(t *testing.T) {
	store := memoryBlobs(t)
	rec := results.NewRecorder(store, "retire")
	engine := newEngine(t, rec, 52)
	if _, err := engine.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, records := readCSV(t, store, "runs/retire/mm/2021.csv")
	if len(records) != 2 || records[1][1] != "51" {
		t.Fatalf("expected only the female cohort in 2021, got %v", records)
	}
}

func TestRecorderRejectsRewrites(t *testing.T) {
	store := memoryBlobs(t)
	rec := results.NewRecorder(store, "dup")
	rows := domain.Table{{Age: 50, Sex: domain.SexMale, Population: 10, Tracked: true}}
	if err := rec.Record(context.Background(), 2020, rows, rows); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Record(context.Background(), 2020, rows, rows); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists on rewrite, got %v", err)
	}
}

func TestCohortsRequiresAlignedTracks(t *testing.T) {
	a := domain.Table{{Age: 50, Sex: domain.SexMale, Strata: 0, Tracked: true}}
	b := domain.Table{{Age: 51, Sex: domain.SexMale, Strata: 0, Tracked: true}}
	if _, err := results.Cohorts(2020, a, b); err == nil {
		t.Fatalf("expected misaligned rows to fail")
	}
	if _, err := results.Cohorts(2020, a, append(a, a[0])); !errors.Is(err, domain.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestNewRecorderGeneratesRunID(t *testing.T) {
	a := results.NewRecorder(memoryBlobs(t), "")
	b := results.NewRecorder(memoryBlobs(t), "")
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Fatalf("expected distinct generated run ids, got %q %q", a.RunID(), b.RunID())
	}
	if a.Prefix() != "runs/"+a.RunID()+"/" {
		t.Fatalf("unexpected prefix %s", a.Prefix())
	}
}
