// Package domain contains core domain types for the claim intake service.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// PersonType identifies which side of a dispute the user is on.
type PersonType string

const (
	PersonLandlord PersonType = "LANDLORD"
	PersonTenant   PersonType = "TENANT"
)

// ParsePersonType parses a person type case-insensitively.
func ParsePersonType(s string) (PersonType, error) {
	switch PersonType(strings.ToUpper(strings.TrimSpace(s))) {
	case PersonLandlord:
		return PersonLandlord, nil
	case PersonTenant:
		return PersonTenant, nil
	}
	return "", fmt.Errorf("%w: invalid person type provided %q", ErrInvalidInput, s)
}

// Phase is the persisted dialogue state of a conversation.
type Phase string

const (
	// PhaseGreeting is a new conversation that has not shown the disclaimer yet.
	PhaseGreeting Phase = "greeting"
	// PhaseAwaitingDisclaimer waits for the user to accept the disclaimer.
	PhaseAwaitingDisclaimer Phase = "awaiting_disclaimer"
	// PhaseAwaitingCategory waits for a message the NLP service can classify.
	PhaseAwaitingCategory Phase = "awaiting_category"
	// PhaseAwaitingFact waits for the answer resolving the current fact.
	PhaseAwaitingFact Phase = "awaiting_fact"
	// PhaseClosed means every fact has been resolved.
	PhaseClosed Phase = "closed"
)

// Fact is a fact attribute the NLP service is trying to resolve.
type Fact struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Conversation is a single intake dialogue with its messages, files and extracted facts.
type Conversation struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	PersonType    PersonType   `json:"person_type"`
	ClaimCategory *string      `json:"claim_category"`
	CurrentFact   *Fact        `json:"current_fact"`
	Phase         Phase        `json:"phase"`
	Messages      []Message    `json:"messages"`
	Files         []File       `json:"files"`
	FactEntities  []FactEntity `json:"fact_entities"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// LastUserMessage returns the most recent message sent by the user, or nil.
func (c *Conversation) LastUserMessage() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].SenderType == SenderUser {
			return &c.Messages[i]
		}
	}
	return nil
}

// LastFactEntity returns the most recently resolved fact entity, or nil.
func (c *Conversation) LastFactEntity() *FactEntity {
	if len(c.FactEntities) == 0 {
		return nil
	}
	return &c.FactEntities[len(c.FactEntities)-1]
}

// Apply mutates the in-memory conversation with a persisted turn.
func (c *Conversation) Apply(turn *Turn) {
	if turn.UserMessage != nil {
		c.Messages = append(c.Messages, *turn.UserMessage)
	}
	if turn.BotMessage != nil {
		c.Messages = append(c.Messages, *turn.BotMessage)
	}

	p := turn.Patch
	if p.Phase != "" {
		c.Phase = p.Phase
	}
	if p.ClaimCategory != nil {
		category := *p.ClaimCategory
		c.ClaimCategory = &category
	}
	if p.ClearCurrentFact {
		c.CurrentFact = nil
	}
	if p.CurrentFact != nil {
		fact := *p.CurrentFact
		c.CurrentFact = &fact
	}
	if p.FactEntity != nil {
		c.FactEntities = append(c.FactEntities, *p.FactEntity)
	}
}

// StatePatch is the explicit state change produced by one dialogue turn.
type StatePatch struct {
	Phase            Phase
	ClaimCategory    *string
	CurrentFact      *Fact
	ClearCurrentFact bool
	FactEntity       *FactEntity
}

// Turn is everything a single received message persists.
// UserMessage is nil for the greeting turn.
type Turn struct {
	UserMessage *Message
	BotMessage  *Message
	Patch       StatePatch
}
