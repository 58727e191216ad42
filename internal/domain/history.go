package domain

import "time"

// CustomerHistory is the read model the pause-tier classifier works from.
// It is a snapshot owned by the Ledger; calculators never mutate it. Only
// the lifecycle manager writes it back, after a pause, cancellation, or
// service-completion event.
type CustomerHistory struct {
	CustomerRef             string
	TotalServices           int
	ServicesInCurrentPeriod int // rolling 26-week window
	UsedPauses              int
	LastPauseDate           *time.Time
}
