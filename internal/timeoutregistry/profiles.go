package timeoutregistry

// Profile selects a preset set of initial timeout values, per spec.md
// §4.1's "preset profiles: default, testing (shorter), debugging
// (longer)".
type Profile string

const (
	ProfileDefault   Profile = "default"
	ProfileTesting   Profile = "testing"
	ProfileDebugging Profile = "debugging"
)

// timeoutSpec names every registered timeout plus its valid range and
// its default-profile value; testing and debugging profiles scale it.
type timeoutSpec struct {
	category Category
	name     string
	rng      Range
	base     int64 // default-profile value, ms
}

var specs = []timeoutSpec{
	{CategoryPipeline, "shutdown", Range{1000, 300000}, 30000},
	{CategoryPipeline, "drainCheckInterval", Range{100, 60000}, 2000},
	{CategoryWorker, "shutdown", Range{500, 120000}, 15000},
	{CategoryWorker, "jobTimeout", Range{1000, 600000}, 120000},
	{CategoryQueue, "staleJobSweep", Range{1000, 300000}, 30000},
	{CategoryQueue, "maxJobAge", Range{1000, 3600000}, 600000},
	{CategoryDatabase, "connect", Range{100, 60000}, 10000},
	{CategoryDatabase, "query", Range{100, 120000}, 30000},
	{CategoryCircuitBreaker, "resetTimeout", Range{1000, 300000}, 60000},
	{CategoryCircuitBreaker, "slotAcquisition", Range{10, 60000}, 5000},
	{CategoryLLM, "request", Range{1000, 600000}, 90000},
	{CategoryMonitoring, "sampleInterval", Range{500, 60000}, 5000},
	{CategoryMonitoring, "adaptiveInterval", Range{1000, 300000}, 30000},
	{CategoryReliability, "outboxPoll", Range{100, 60000}, 5000},
	{CategoryReliability, "outboxClaimStale", Range{1000, 600000}, 120000},
}

// Ranges returns the category→name→Range map every profile validates
// against.
func Ranges() map[Category]map[string]Range {
	out := make(map[Category]map[string]Range)
	for _, s := range specs {
		if out[s.category] == nil {
			out[s.category] = make(map[string]Range)
		}
		out[s.category][s.name] = s.rng
	}
	return out
}

// Defaults returns the initial values for the given profile: testing
// values are scaled down (shorter), debugging scaled up (longer), each
// clamped back into range.
func Defaults(profile Profile) map[Category]map[string]int64 {
	var factor float64
	switch profile {
	case ProfileTesting:
		factor = 0.1
	case ProfileDebugging:
		factor = 4
	default:
		factor = 1
	}

	out := make(map[Category]map[string]int64)
	for _, s := range specs {
		v := int64(float64(s.base) * factor)
		if v < s.rng.Min {
			v = s.rng.Min
		}
		if v > s.rng.Max {
			v = s.rng.Max
		}
		if out[s.category] == nil {
			out[s.category] = make(map[string]int64)
		}
		out[s.category][s.name] = v
	}
	return out
}

// NewWithProfile builds a Registry seeded from a preset profile, then
// applies overrides (e.g. parsed from <CATEGORY>_<TYPE>_TIMEOUT_MS
// environment variables) on top.
func NewWithProfile(profile Profile, overrides map[Category]map[string]int64) (*Registry, error) {
	values := Defaults(profile)
	for cat, byName := range overrides {
		if values[cat] == nil {
			values[cat] = make(map[string]int64)
		}
		for name, v := range byName {
			values[cat][name] = v
		}
	}
	return New(Ranges(), values)
}
