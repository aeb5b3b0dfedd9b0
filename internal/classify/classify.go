package classify

import (
	"fmt"
	"time"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// Scorer backend names accepted by NewScorer.
const (
	BackendEmbedding = "embedding"
	BackendBow       = "bow"
)

// Judge mode names accepted by NewJudge.
const (
	JudgeRules  = "rules"
	JudgeRemote = "remote"
)

// ScorerSettings selects and parameterizes a scorer backend. The choice is
// made here, once; the returned monitor.Scorer carries no backend identity.
type ScorerSettings struct {
	Backend     string
	Endpoint    string
	Model       string
	BatchSize   int
	Timeout     time.Duration
	WeightsPath string
}

// NewScorer builds the configured scorer backend.
func NewScorer(s ScorerSettings) (monitor.Scorer, error) {
	switch s.Backend {
	case BackendEmbedding:
		if s.Endpoint == "" {
			return nil, fmt.Errorf("embedding backend requires an endpoint")
		}
		return NewEmbedding(s.Endpoint, s.Model, s.BatchSize, s.Timeout), nil
	case BackendBow:
		if s.WeightsPath == "" {
			return nil, fmt.Errorf("bow backend requires a weights path")
		}
		return NewBagOfWords(s.WeightsPath)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", s.Backend)
	}
}

// JudgeSettings selects and parameterizes a comment judge.
type JudgeSettings struct {
	Mode           string
	Endpoint       string
	Model          string
	Timeout        time.Duration
	RelevantTerms  []string
	PoliticalTerms []string
	ProfaneTerms   []string
}

// NewJudge builds the configured comment judge.
func NewJudge(s JudgeSettings) (monitor.CommentJudge, error) {
	switch s.Mode {
	case JudgeRules:
		return NewRuleJudge(s.RelevantTerms, s.PoliticalTerms, s.ProfaneTerms), nil
	case JudgeRemote:
		if s.Endpoint == "" {
			return nil, fmt.Errorf("remote judge requires an endpoint")
		}
		return NewRemoteJudge(s.Endpoint, s.Model, s.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown comment judge mode %q", s.Mode)
	}
}
