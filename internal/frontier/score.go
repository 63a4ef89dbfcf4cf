package frontier

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// ScoreWeights tunes the best-first combination used to break ties within a
// priority tier. All terms are bounded to [0,1] before weighting so no single
// signal can dominate regardless of configuration.
type ScoreWeights struct {
	Relevance float64 `mapstructure:"relevance"`
	Diversity float64 `mapstructure:"diversity"`
	Depth     float64 `mapstructure:"depth"`
}

// DefaultScoreWeights mirror the tuning shipped in the default config file.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Relevance: 1.0, Diversity: 0.5, Depth: 0.3}
}

// scorer computes the dynamic best-first score for a request. When query
// terms are configured the relevance term is a BM25-style saturating match
// over URL tokens; otherwise the caller-provided relevance hint is used.
type scorer struct {
	weights      ScoreWeights
	queryTerms   []string
	hostCooldown time.Duration
}

const bm25K1 = 1.2

func newScorer(weights ScoreWeights, query string, hostCooldown time.Duration) *scorer {
	if hostCooldown <= 0 {
		hostCooldown = 10 * time.Second
	}
	return &scorer{
		weights:      weights,
		queryTerms:   tokenize(query),
		hostCooldown: hostCooldown,
	}
}

// score combines relevance, a domain-diversity bonus, and a depth penalty.
// lastServed is the zero time when the host has never been dequeued.
func (s *scorer) score(url string, depth int, relevanceHint float64, lastServed, now time.Time) float64 {
	relevance := clamp01(relevanceHint)
	if len(s.queryTerms) > 0 {
		relevance = s.queryRelevance(url)
	}

	// Hosts served within the cooldown window lose the diversity bonus
	// linearly; never-served hosts get the full bonus.
	diversity := 1.0
	if !lastServed.IsZero() {
		idle := now.Sub(lastServed)
		if idle < s.hostCooldown {
			diversity = float64(idle) / float64(s.hostCooldown)
		}
	}

	depthPenalty := 1.0 / (1.0 + float64(depth))

	return s.weights.Relevance*relevance +
		s.weights.Diversity*diversity +
		s.weights.Depth*depthPenalty
}

// queryRelevance is a BM25-style term-frequency saturation over URL tokens,
// normalized to [0,1] by the number of query terms.
func (s *scorer) queryRelevance(url string) float64 {
	tokens := tokenize(url)
	if len(tokens) == 0 {
		return 0
	}
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	var sum float64
	for _, term := range s.queryTerms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		sum += f * (bm25K1 + 1) / (f + bm25K1)
	}
	// Each term saturates at k1+1, so this keeps the result in [0,1].
	return clamp01(sum / (float64(len(s.queryTerms)) * (bm25K1 + 1)))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
