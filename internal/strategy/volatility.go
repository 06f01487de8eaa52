package strategy

// VolatilitySource supplies the externally computed range reading R for an
// update. A zero or negative value means the reading is unavailable and no
// entry may be attempted this cycle.
type VolatilitySource interface {
	Reading(updateIndex int64) float64
}
