package consensus

import (
	"fmt"
	"slices"

	"engram/internal/config"
	"engram/internal/domain"
)

// Recommendation is the verdict class for one correlation key.
type Recommendation string

const (
	Accept Recommendation = "accept"
	Review Recommendation = "review"
	Reject Recommendation = "reject"
)

// NoSuccessError is reported for a key without any successful result.
const NoSuccessError = "No successful verifications"

// Thresholds drive classification. A result counts as agreeing when its
// confidence is strictly above Confidence.
type Thresholds struct {
	Confidence float64 `json:"confidence_threshold"`
	Accept     float64 `json:"accept_threshold"`
	Review     float64 `json:"review_threshold"`
}

// DefaultThresholds returns 0.7 / 0.8 / 0.6.
func DefaultThresholds() Thresholds {
	return Thresholds{Confidence: 0.7, Accept: 0.8, Review: 0.6}
}

func ThresholdsFromConfig(cfg config.ConsensusConfig) Thresholds {
	return Thresholds{
		Confidence: cfg.ConfidenceThreshold,
		Accept:     cfg.AcceptThreshold,
		Review:     cfg.ReviewThreshold,
	}
}

// RoleVote summarizes the results one role contributed to a key.
type RoleVote struct {
	Results        int     `json:"results"`
	Successful     int     `json:"successful"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// Verdict is the consensus outcome for one correlation key.
type Verdict struct {
	Key               string                   `json:"key"`
	OverallConfidence float64                  `json:"overall_confidence"`
	ConsensusScore    float64                  `json:"consensus_score"`
	Recommendation    Recommendation           `json:"recommendation"`
	Error             string                   `json:"error,omitempty"`
	Total             int                      `json:"total"`
	Successful        int                      `json:"successful"`
	Roles             map[domain.Role]RoleVote `json:"roles,omitempty"`
}

// KeyFunc extracts the correlation key of a result. Results for which it
// reports false are left out of the aggregation.
type KeyFunc func(domain.Result) (string, bool)

// MetadataKey correlates results by a metadata field.
func MetadataKey(field string) KeyFunc {
	return func(r domain.Result) (string, bool) {
		v, ok := r.Metadata[field]
		if !ok || v == nil {
			return "", false
		}
		if s, ok := v.(string); ok {
			return s, s != ""
		}
		return fmt.Sprint(v), true
	}
}

// Aggregate groups results by key and returns one verdict per key, sorted by
// key.
func Aggregate(results []domain.Result, key KeyFunc, th Thresholds) []Verdict {
	groups := make(map[string][]domain.Result)
	for _, r := range results {
		k, ok := key(r)
		if !ok {
			continue
		}
		groups[k] = append(groups[k], r)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]Verdict, 0, len(keys))
	for _, k := range keys {
		out = append(out, Evaluate(k, groups[k], th))
	}
	return out
}

// Evaluate scores results that are already known to share key.
func Evaluate(key string, results []domain.Result, th Thresholds) Verdict {
	v := Verdict{Key: key, Total: len(results), Roles: make(map[domain.Role]RoleVote)}
	roleSums := make(map[domain.Role]float64)
	var sum float64
	agreeing := 0
	for _, r := range results {
		vote := v.Roles[r.Role]
		vote.Results++
		if r.Success {
			conf := domain.ClampConfidence(r.ConfidenceScore)
			vote.Successful++
			roleSums[r.Role] += conf
			v.Successful++
			sum += conf
			if conf > th.Confidence {
				agreeing++
			}
		}
		v.Roles[r.Role] = vote
	}
	for role, vote := range v.Roles {
		if vote.Successful > 0 {
			vote.MeanConfidence = roleSums[role] / float64(vote.Successful)
			v.Roles[role] = vote
		}
	}
	if v.Successful == 0 {
		v.Recommendation = Reject
		v.Error = NoSuccessError
		return v
	}
	v.OverallConfidence = sum / float64(v.Successful)
	v.ConsensusScore = float64(agreeing) / float64(v.Successful)
	v.Recommendation = th.classify(v.ConsensusScore)
	return v
}

func (th Thresholds) classify(score float64) Recommendation {
	switch {
	case score >= th.Accept:
		return Accept
	case score >= th.Review:
		return Review
	default:
		return Reject
	}
}
