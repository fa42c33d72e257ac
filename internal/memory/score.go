package memory

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/basket/datafabric/internal/persistence"
)

// Ranking weights. They sum to 1 so scores stay in [0, 1].
const (
	WeightLexical    = 0.55
	WeightFreshness  = 0.25
	WeightSuccess    = 0.15
	WeightPopularity = 0.05
)

const (
	// FreshnessScale is the age at which freshness has decayed to 1/e.
	FreshnessScale = 72 * time.Hour
	// DefaultSuccessRate stands in for records with no reported outcome.
	DefaultSuccessRate = 0.5
	// popularitySaturation is the access count at which popularity reaches 1.
	popularitySaturation = 100
)

// Terms splits s on anything that is not a letter or digit in any script and
// keeps lower-cased tokens of two or more characters.
func Terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if utf8.RuneCountInString(tok) >= 2 {
			out[strings.ToLower(tok)] = struct{}{}
		}
	}
	return out
}

// Jaccard is |a ∩ b| / |a ∪ b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Freshness decays exponentially with age. Records from the future count as new.
func Freshness(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-age.Hours() / FreshnessScale.Hours())
}

// Popularity grows logarithmically with access count and saturates at 1.
func Popularity(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(accessCount))/math.Log1p(popularitySaturation))
}

// Score ranks rec against the query terms at time now.
func Score(rec persistence.MemoryRecord, query map[string]struct{}, now time.Time) float64 {
	text := rec.Title + " " + rec.Summary + " " + strings.Join(rec.Tags, " ")
	success := DefaultSuccessRate
	if rec.SuccessRate != nil {
		success = *rec.SuccessRate
	}
	return WeightLexical*Jaccard(query, Terms(text)) +
		WeightFreshness*Freshness(now.Sub(rec.IndexedAt)) +
		WeightSuccess*success +
		WeightPopularity*Popularity(rec.AccessCount)
}
