package report

import (
	"context"
	"fmt"
	"maps"

	"github.com/ashureev/claim-intake/internal/domain"
)

// Statistics describes the ML model behind a prediction.
type Statistics struct {
	DataSet struct {
		Size int `json:"size"`
	} `json:"data_set"`
	// Regressor maps an outcome key to its curve parameters.
	Regressor map[string]map[string]any `json:"regressor"`
}

// Precedent is a historical case retrieved as similar to the conversation.
type Precedent struct {
	Name     string         `json:"precedent"`
	Distance float64        `json:"distance"`
	Facts    map[string]any `json:"facts"`
	Outcomes map[string]any `json:"outcomes"`
}

// Report is the user-facing outcome report.
type Report struct {
	// Accuracy is reserved; no accuracy is computed yet.
	Accuracy          int                       `json:"accuracy"`
	DataSet           int                       `json:"data_set"`
	SimilarCase       int                       `json:"similar_case"`
	Curves            map[string]map[string]any `json:"curves"`
	Outcomes          map[string]any            `json:"outcomes"`
	SimilarPrecedents []Precedent               `json:"similar_precedents"`
}

// StatisticsSource provides model statistics.
type StatisticsSource interface {
	Statistics(ctx context.Context) (*Statistics, error)
}

// FactSource returns the fact keys resolved for a conversation.
type FactSource interface {
	ResolvedFactKeys(conv *domain.Conversation) map[string]struct{}
}

// EntityFacts resolves fact keys from the conversation's own fact entities.
type EntityFacts struct{}

// ResolvedFactKeys returns the names of facts with a non-empty extracted value.
func (EntityFacts) ResolvedFactKeys(conv *domain.Conversation) map[string]struct{} {
	keys := make(map[string]struct{}, len(conv.FactEntities))
	for _, e := range conv.FactEntities {
		if e.Value != "" {
			keys[e.FactName] = struct{}{}
		}
	}
	return keys
}

// Generator composes reports.
type Generator struct {
	stats StatisticsSource
	facts FactSource
}

// NewGenerator creates a report generator. A nil facts source uses EntityFacts.
func NewGenerator(stats StatisticsSource, facts FactSource) *Generator {
	if facts == nil {
		facts = EntityFacts{}
	}
	return &Generator{stats: stats, facts: facts}
}

// Generate builds the report for a conversation from an outcome prediction and
// its similar precedents. Inputs are not modified.
func (g *Generator) Generate(ctx context.Context, conv *domain.Conversation, prediction map[string]any, precedents []Precedent) (*Report, error) {
	stats, err := g.stats.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("get ml statistics: %w", err)
	}
	resolved := g.facts.ResolvedFactKeys(conv)

	r := &Report{
		Accuracy:          0,
		DataSet:           stats.DataSet.Size,
		SimilarCase:       len(precedents),
		Curves:            make(map[string]map[string]any),
		Outcomes:          make(map[string]any, len(prediction)),
		SimilarPrecedents: make([]Precedent, 0, len(precedents)),
	}

	for outcome, value := range prediction {
		if params, ok := stats.Regressor[outcome]; ok {
			curve := maps.Clone(params)
			if curve == nil {
				curve = make(map[string]any, 1)
			}
			curve["outcome_value"] = value
			r.Curves[outcome] = curve
		}
		r.Outcomes[outcome] = coerceOutcome(value)
	}

	for _, p := range precedents {
		facts := make(map[string]any)
		for k, v := range p.Facts {
			if _, ok := resolved[k]; ok {
				facts[k] = v
			}
		}
		outcomes := make(map[string]any)
		for k, v := range p.Outcomes {
			if _, ok := prediction[k]; ok {
				outcomes[k] = v
			}
		}
		p.Facts = DictValuesToInt(facts)
		p.Outcomes = DictValuesToInt(outcomes)
		r.SimilarPrecedents = append(r.SimilarPrecedents, p)
	}

	return r, nil
}
