package domain

// Tag is a diagnostic label attached to an accumulation metric. The
// vocabulary is closed: consumers match on these exact strings, so new
// tags require a release, not just a config change.
type Tag string

const (
	TagOrganicAccumulation Tag = "Organic Accumulation"
	TagConcentratedSignal  Tag = "Concentrated Signal"
	TagBullishDivergence   Tag = "Bullish Divergence"
	TagLSTMigration        Tag = "LST Migration"
	TagHighConviction      Tag = "High Conviction"
	TagDepegRisk           Tag = "Depeg Risk"
	TagAnomalyAlert        Tag = "Anomaly Alert"
	TagDataQualityWarning  Tag = "Data Quality Warning"
	TagInsufficientData    Tag = "Insufficient Data"
)

// TagSet is an ordered, duplicate-free tag collection.
type TagSet struct {
	tags []Tag
	seen map[Tag]bool
}

func NewTagSet() *TagSet {
	return &TagSet{seen: make(map[Tag]bool)}
}

// Add appends the tag unless it is already present.
func (s *TagSet) Add(t Tag) {
	if s.seen[t] {
		return
	}
	s.seen[t] = true
	s.tags = append(s.tags, t)
}

func (s *TagSet) Contains(t Tag) bool {
	return s.seen[t]
}

// Strings returns the tags in insertion order.
func (s *TagSet) Strings() []string {
	out := make([]string, len(s.tags))
	for i, t := range s.tags {
		out[i] = string(t)
	}
	return out
}

func (s *TagSet) Len() int {
	return len(s.tags)
}
