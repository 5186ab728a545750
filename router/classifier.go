// Package router is the entry point of the orchestration core: it resolves
// threads, admits one request per thread at a time, classifies messages to an
// agent or workflow, and drives the direct-call or workflow path.
package router

import (
	"context"
	"sort"
	"strings"
)

// Candidate is one ranked classification outcome.
type Candidate struct {
	AgentID    string
	Confidence float64
}

// Classifier ranks agents for a message. Implementations are pluggable; the
// router only guarantees the floor-and-fallback contract around whatever the
// classifier returns. Candidates must be ordered best first.
type Classifier interface {
	Classify(ctx context.Context, message string) []Candidate
}

// KeywordClassifier scores agents by keyword hits in the message. Confidence
// is the hit count over the number of keywords declared for the agent, so a
// narrowly scoped agent with a precise vocabulary outranks a broad one on its
// own topics.
type KeywordClassifier struct {
	keywords map[string][]string
}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier builds a classifier from a map of agent id to the
// lowercase keywords that indicate it.
func NewKeywordClassifier(keywords map[string][]string) *KeywordClassifier {
	return &KeywordClassifier{keywords: keywords}
}

// Classify returns all agents with at least one keyword hit, best first.
// Ties break alphabetically so ranking is deterministic.
func (c *KeywordClassifier) Classify(ctx context.Context, message string) []Candidate {
	lower := strings.ToLower(message)

	var out []Candidate
	for agentID, words := range c.keywords {
		if len(words) == 0 {
			continue
		}
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, Candidate{
				AgentID:    agentID,
				Confidence: float64(hits) / float64(len(words)),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
