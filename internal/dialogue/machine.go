package dialogue

import (
	"context"
	"fmt"

	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/nlp"
)

// Resolver is the part of the NLP service that drives fact elicitation.
type Resolver interface {
	ClassifyClaimCategory(ctx context.Context, conversationID int64, message string) (*nlp.TurnResult, error)
	SubmitMessage(ctx context.Context, conversationID int64, message string) (*nlp.TurnResult, error)
}

// Machine decides the bot's next turn from the persisted phase.
// It does not persist anything; callers save the returned turn.
type Machine struct {
	script   *Script
	resolver Resolver
}

// NewMachine creates a dialogue state machine.
func NewMachine(script *Script, resolver Resolver) *Machine {
	return &Machine{script: script, resolver: resolver}
}

// Progress is the conversation state a phase transition depends on.
type Progress struct {
	HasCategory    bool
	HasCurrentFact bool
}

// Advance returns the phase following from after a turn left the
// conversation in state p.
func Advance(from domain.Phase, p Progress) domain.Phase {
	switch from {
	case domain.PhaseGreeting, "":
		return domain.PhaseAwaitingDisclaimer
	case domain.PhaseClosed:
		return domain.PhaseClosed
	}
	switch {
	case !p.HasCategory:
		return domain.PhaseAwaitingCategory
	case p.HasCurrentFact:
		return domain.PhaseAwaitingFact
	default:
		return domain.PhaseClosed
	}
}

// Step computes the turn answering text. The greeting turn records no user
// message; every later turn records it tagged with the fact being asked.
func (m *Machine) Step(ctx context.Context, conv *domain.Conversation, text string) (*domain.Turn, error) {
	if conv.Phase == domain.PhaseGreeting || conv.Phase == "" {
		bot := &domain.Message{
			SenderType:            domain.SenderBot,
			Text:                  m.script.Render(m.script.Disclaimer, conv.Name),
			PossibleAnswers:       []string{"Yes"},
			EnforcePossibleAnswer: true,
		}
		return &domain.Turn{
			BotMessage: bot,
			Patch:      domain.StatePatch{Phase: Advance(conv.Phase, Progress{})},
		}, nil
	}

	turn := &domain.Turn{
		UserMessage: &domain.Message{
			SenderType:   domain.SenderUser,
			Text:         text,
			RelevantFact: copyFact(conv.CurrentFact),
		},
	}

	var res *nlp.TurnResult
	var err error
	switch conv.Phase {
	case domain.PhaseAwaitingDisclaimer:
		turn.BotMessage, turn.Patch = m.inquiry(conv)
		return turn, nil
	case domain.PhaseAwaitingCategory:
		res, err = m.resolver.ClassifyClaimCategory(ctx, conv.ID, text)
	case domain.PhaseAwaitingFact:
		res, err = m.resolver.SubmitMessage(ctx, conv.ID, text)
	default:
		return nil, fmt.Errorf("%w: phase %q", domain.ErrUnhandledState, conv.Phase)
	}
	if err != nil {
		return nil, fmt.Errorf("nlp %s: %w", conv.Phase, err)
	}
	if res == nil || res.Message == "" {
		return nil, domain.ErrUnhandledState
	}

	turn.Patch = patchFrom(conv, res)
	turn.BotMessage = &domain.Message{
		SenderType:   domain.SenderBot,
		Text:         res.Message,
		RelevantFact: copyFact(res.CurrentFact),
	}
	return turn, nil
}

func (m *Machine) inquiry(conv *domain.Conversation) (*domain.Message, domain.StatePatch) {
	bot := &domain.Message{SenderType: domain.SenderBot}
	switch conv.PersonType {
	case domain.PersonTenant:
		bot.Text = m.script.Render(m.script.ProblemInquiryTenant, conv.Name)
		bot.FileRequest = &domain.FileRequest{DocumentType: domain.DocumentLease}
	default:
		bot.Text = m.script.Render(m.script.ProblemInquiryLandlord, conv.Name)
	}
	bot.RelevantFact = copyFact(conv.CurrentFact)

	patch := domain.StatePatch{
		Phase: Advance(conv.Phase, Progress{
			HasCategory:    conv.ClaimCategory != nil,
			HasCurrentFact: conv.CurrentFact != nil,
		}),
	}
	return bot, patch
}

// patchFrom turns an NLP answer into a state patch. The answer carries the
// fact to ask next; a nil fact means none is left.
func patchFrom(conv *domain.Conversation, res *nlp.TurnResult) domain.StatePatch {
	var patch domain.StatePatch

	hasCategory := conv.ClaimCategory != nil
	if res.ClaimCategory != "" {
		category := res.ClaimCategory
		patch.ClaimCategory = &category
		hasCategory = true
	}

	if res.CurrentFact != nil {
		patch.CurrentFact = copyFact(res.CurrentFact)
	} else if conv.CurrentFact != nil {
		patch.ClearCurrentFact = true
	}

	if e := res.FactEntity; e != nil {
		entity := *e
		if entity.FactID == 0 && entity.FactName == "" && conv.CurrentFact != nil {
			entity.FactID = conv.CurrentFact.ID
			entity.FactName = conv.CurrentFact.Name
		}
		// An entity that names no fact cannot be attributed.
		if entity.FactName != "" {
			patch.FactEntity = &entity
		}
	}

	patch.Phase = Advance(conv.Phase, Progress{
		HasCategory:    hasCategory,
		HasCurrentFact: res.CurrentFact != nil,
	})
	return patch
}

func copyFact(f *domain.Fact) *domain.Fact {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}
