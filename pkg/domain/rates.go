package domain

// RateQuery addresses one cell of a rate table. Strata is ignored by tables
// that are keyed by cohort only.
type RateQuery struct {
	Sex    Sex
	Strata int
	Age    int
	Year   int
}

// RateLookup resolves a scalar rate. Value may include upstream policy
// modifications; Source always returns the unmodified baseline.
type RateLookup interface {
	Value(RateQuery) (float64, error)
	Source(RateQuery) (float64, error)
}
