package lookup

import (
	"fmt"
	"sync"

	"mslt/pkg/domain"
)

// Modifier adjusts a rate for a query. It receives the value produced by the
// table and every earlier modifier.
type Modifier interface {
	Modify(q domain.RateQuery, value float64) float64
}

// ModifierFunc adapts a function to Modifier.
type ModifierFunc func(q domain.RateQuery, value float64) float64

// Modify implements Modifier.
func (f ModifierFunc) Modify(q domain.RateQuery, value float64) float64 { return f(q, value) }

// Scale multiplies the rate by Factor inside an optional sex, age and year
// window. Zero-valued bounds are open.
type Scale struct {
	Factor    float64     `yaml:"factor"`
	Sex       *domain.Sex `yaml:"sex,omitempty"`
	AgeStart  int         `yaml:"age_start,omitempty"`
	AgeEnd    int         `yaml:"age_end,omitempty"`
	YearStart int         `yaml:"year_start,omitempty"`
	YearEnd   int         `yaml:"year_end,omitempty"`
}

// Applies reports whether q falls inside the modifier window.
func (s Scale) Applies(q domain.RateQuery) bool {
	if s.Sex != nil && *s.Sex != q.Sex {
		return false
	}
	if q.Age < s.AgeStart || (s.AgeEnd > 0 && q.Age >= s.AgeEnd) {
		return false
	}
	if q.Year < s.YearStart || (s.YearEnd > 0 && q.Year >= s.YearEnd) {
		return false
	}
	return true
}

// Modify implements Modifier.
func (s Scale) Modify(q domain.RateQuery, value float64) float64 {
	if !s.Applies(q) {
		return value
	}
	return value * s.Factor
}

// Producer is a rate pipeline: Source reads the table, Value runs the
// registered modifiers over the source value.
type Producer struct {
	table *Table
	mu    sync.RWMutex
	mods  []Modifier
}

// Compile-time assertion that producers satisfy the engine's lookup contract.
var _ domain.RateLookup = (*Producer)(nil)

// NewProducer wraps a table with an empty modifier chain.
func NewProducer(table *Table) *Producer {
	return &Producer{table: table}
}

// Register appends a modifier to the chain.
func (p *Producer) Register(m Modifier) {
	if m == nil {
		return
	}
	p.mu.Lock()
	p.mods = append(p.mods, m)
	p.mu.Unlock()
}

// Name returns the backing table name.
func (p *Producer) Name() string { return p.table.Name() }

// Source returns the unmodified table value.
func (p *Producer) Source(q domain.RateQuery) (float64, error) {
	return p.table.Lookup(q)
}

// Value returns the modified value. Negative results are rejected.
func (p *Producer) Value(q domain.RateQuery) (float64, error) {
	v, err := p.table.Lookup(q)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.mods {
		v = m.Modify(q, v)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: modifiers produced negative rate %g", p.table.Name(), v)
	}
	return v, nil
}

// Rates bundles the four lookups the engine reads every step.
type Rates struct {
	MortalityAgg  domain.RateLookup
	MortalityProp domain.RateLookup
	YLDAgg        domain.RateLookup
	YLDProp       domain.RateLookup
}

// Validate rejects incomplete bundles.
func (r Rates) Validate() error {
	switch {
	case r.MortalityAgg == nil:
		return fmt.Errorf("mortality aggregate lookup required")
	case r.MortalityProp == nil:
		return fmt.Errorf("mortality ratio lookup required")
	case r.YLDAgg == nil:
		return fmt.Errorf("yld aggregate lookup required")
	case r.YLDProp == nil:
		return fmt.Errorf("yld ratio lookup required")
	}
	return nil
}
