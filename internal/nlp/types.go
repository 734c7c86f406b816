// Package nlp is the client side of the external NLP/ML service that
// classifies claims, resolves facts and predicts outcomes.
package nlp

import (
	"context"
	"errors"

	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/report"
)

// ErrUnavailable is returned when no NLP service is configured or reachable.
var ErrUnavailable = errors.New("nlp service unavailable")

// TurnResult is the NLP service's answer to a user message: the bot text and
// the conversation state it resolved.
type TurnResult struct {
	Message string
	// ClaimCategory is empty when the category did not change.
	ClaimCategory string
	// CurrentFact is the fact asked next; nil once every fact is resolved.
	CurrentFact *domain.Fact
	// FactEntity is the value extracted for the fact the user just answered.
	// FactID and FactName may be empty, in which case the fact being asked
	// about applies.
	FactEntity *domain.FactEntity
}

// Prediction is the predicted outcome of a conversation and its similar precedents.
type Prediction struct {
	Outcomes          map[string]any
	SimilarPrecedents []report.Precedent
}

// Processor defines the operations of the NLP service.
// This interface is implemented by the gRPC client.
type Processor interface {
	// ClassifyClaimCategory classifies the claim described by a user message.
	ClassifyClaimCategory(ctx context.Context, conversationID int64, message string) (*TurnResult, error)

	// SubmitMessage extracts the value of the current fact from a user message.
	SubmitMessage(ctx context.Context, conversationID int64, message string) (*TurnResult, error)

	// Statistics returns the ML model's training statistics.
	Statistics(ctx context.Context) (*report.Statistics, error)

	// Predict predicts outcomes for a conversation and retrieves similar precedents.
	Predict(ctx context.Context, conversationID int64) (*Prediction, error)

	// Close releases resources
	Close()
}

// Ensure GrpcClient implements Processor.
var _ Processor = (*GrpcClient)(nil)

// Disabled is the Processor used when no NLP service address is configured.
type Disabled struct{}

func (Disabled) ClassifyClaimCategory(context.Context, int64, string) (*TurnResult, error) {
	return nil, ErrUnavailable
}

func (Disabled) SubmitMessage(context.Context, int64, string) (*TurnResult, error) {
	return nil, ErrUnavailable
}

func (Disabled) Statistics(context.Context) (*report.Statistics, error) {
	return nil, ErrUnavailable
}

func (Disabled) Predict(context.Context, int64) (*Prediction, error) {
	return nil, ErrUnavailable
}

func (Disabled) Close() {}
