package core

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"mslt/internal/infra/persistence/memory"
	"mslt/internal/lookup"
	"mslt/pkg/domain"
)

const (
	testStartYear = 2020
	floatTol      = 1e-9
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (e logEntry) arg(key string) (any, bool) {
	for i := 0; i+1 < len(e.args); i += 2 {
		if k, ok := e.args[i].(string); ok && k == key {
			return e.args[i+1], true
		}
	}
	return nil, false
}

// captureLogger is shared by both track goroutines when ParallelTracks is on.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: append([]any(nil), args...)})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *captureLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

type metricCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu     sync.Mutex
	calls  []metricCall
	totals map[domain.Scenario][]domain.Totals
}

func (m *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricCall{op: op, success: success})
}

func (m *captureMetricsRecorder) RecordTotals(scenario domain.Scenario, totals domain.Totals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totals == nil {
		m.totals = make(map[domain.Scenario][]domain.Totals)
	}
	m.totals[scenario] = append(m.totals[scenario], totals)
}

func (m *captureMetricsRecorder) count(op string, success bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.op == op && c.success == success {
			n++
		}
	}
	return n
}

type captureTracer struct {
	mu    sync.Mutex
	spans []*captureSpan
}

type captureSpan struct {
	op    string
	ended bool
	err   error
}

func (t *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	span := &captureSpan{op: op}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, &captureSpanEnder{tracer: t, span: span}
}

type captureSpanEnder struct {
	tracer *captureTracer
	span   *captureSpan
}

func (s *captureSpanEnder) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.span.ended = true
	s.span.err = err
}

func (t *captureTracer) ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.spans))
	for i, s := range t.spans {
		out[i] = s.op
	}
	return out
}

type captureAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *captureAudit) Record(_ context.Context, entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

// rateSpec describes one lookup table. Values keyed by stratum id; a nil map
// means a single value for every stratum.
type rateSpec struct {
	flat     float64
	byStrata map[int]float64
	ageStart int
	ageEnd   int
}

func mustTable(t *testing.T, name string, spec ...rateSpec) *lookup.Table {
	t.Helper()
	keyed := false
	var bins []lookup.Bin
	for _, s := range spec {
		ageStart, ageEnd := s.ageStart, s.ageEnd
		if ageEnd == 0 {
			ageEnd = 200
		}
		for _, sex := range []domain.Sex{domain.SexMale, domain.SexFemale} {
			if s.byStrata == nil {
				bins = append(bins, lookup.Bin{Sex: sex, AgeStart: ageStart, AgeEnd: ageEnd, YearStart: 2000, YearEnd: 2200, Value: s.flat})
				continue
			}
			keyed = true
			for strata, v := range s.byStrata {
				bins = append(bins, lookup.Bin{Sex: sex, Strata: strata, AgeStart: ageStart, AgeEnd: ageEnd, YearStart: 2000, YearEnd: 2200, Value: v})
			}
		}
	}
	table, err := lookup.NewTable(name, keyed, bins)
	if err != nil {
		t.Fatalf("table %s: %v", name, err)
	}
	return table
}

type testRates struct {
	mortality     *lookup.Producer
	mortalityProp *lookup.Producer
	yld           *lookup.Producer
	yldProp       *lookup.Producer
}

func (r testRates) bundle() lookup.Rates {
	return lookup.Rates{MortalityAgg: r.mortality, MortalityProp: r.mortalityProp, YLDAgg: r.yld, YLDProp: r.yldProp}
}

// exampleRates carries the cohort-level 0.02 mortality and 0.1 YLD rates with
// stratum ratios 0.8/1.2 and 0.5/1.5.
func exampleRates(t *testing.T) testRates {
	t.Helper()
	return testRates{
		mortality:     lookup.NewProducer(mustTable(t, "mortality", rateSpec{flat: 0.02})),
		mortalityProp: lookup.NewProducer(mustTable(t, "mortality_ratio", rateSpec{byStrata: map[int]float64{0: 0.8, 1: 1.2}})),
		yld:           lookup.NewProducer(mustTable(t, "yld", rateSpec{flat: 0.1})),
		yldProp:       lookup.NewProducer(mustTable(t, "yld_ratio", rateSpec{byStrata: map[int]float64{0: 0.5, 1: 1.5}})),
	}
}

func flatRates(t *testing.T, mortality, yld float64) testRates {
	t.Helper()
	return testRates{
		mortality:     lookup.NewProducer(mustTable(t, "mortality", rateSpec{flat: mortality})),
		mortalityProp: lookup.NewProducer(mustTable(t, "mortality_ratio", rateSpec{byStrata: map[int]float64{0: 1, 1: 1}})),
		yld:           lookup.NewProducer(mustTable(t, "yld", rateSpec{flat: yld})),
		yldProp:       lookup.NewProducer(mustTable(t, "yld_ratio", rateSpec{byStrata: map[int]float64{0: 1, 1: 1}})),
	}
}

// cohortInputs builds one cohort of 1000 split 60/40 over strata 0 and 1.
func cohortInputs(age int, sex domain.Sex) Inputs {
	return Inputs{
		Population: []AggregatePopulation{{Age: age, Sex: sex, Population: 1000}},
		Proportions: []StratumProportion{
			{Age: age, Sex: sex, Strata: 0, Proportion: 0.6},
			{Age: age, Sex: sex, Strata: 1, Proportion: 0.4},
		},
	}
}

func (in Inputs) merge(other Inputs) Inputs {
	return Inputs{
		Population:  append(append([]AggregatePopulation(nil), in.Population...), other.Population...),
		Proportions: append(append([]StratumProportion(nil), in.Proportions...), other.Proportions...),
	}
}

func newTestEngine(t *testing.T, rates lookup.Rates, cfg Config, opts ...Option) *Engine {
	t.Helper()
	if cfg.StartYear == 0 {
		cfg.StartYear = testStartYear
	}
	engine, err := NewEngine(memory.NewStore(NewDefaultRulesEngine()), rates, cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func initialized(t *testing.T, engine *Engine, inputs Inputs) *Engine {
	t.Helper()
	if err := engine.Initialize(context.Background(), inputs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return engine
}

func mustTableOf(t *testing.T, engine *Engine, scenario domain.Scenario, filters ...domain.Filter) domain.Table {
	t.Helper()
	rows, err := engine.Table(context.Background(), scenario, filters...)
	if err != nil {
		t.Fatalf("Table %s: %v", scenario, err)
	}
	return rows
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func assertApprox(t *testing.T, what string, got, want, tol float64) {
	t.Helper()
	if !approx(got, want, tol) {
		t.Fatalf("%s: got %.12g want %.12g", what, got, want)
	}
}

func describe(rows domain.Table) string {
	out := ""
	for _, r := range rows {
		out += fmt.Sprintf("[%s strata=%d pop=%g tracked=%v] ", r.Cohort(), r.Strata, r.Population, r.Tracked)
	}
	return out
}
