package domain

import "time"

// SenderType identifies who sent a message.
type SenderType string

const (
	SenderUser SenderType = "USER"
	SenderBot  SenderType = "BOT"
)

// DocumentType is the kind of document the bot asks the user for.
type DocumentType string

// DocumentLease requests the tenant's lease.
const DocumentLease DocumentType = "LEASE"

// Message is an immutable entry in a conversation.
type Message struct {
	ID                    int64        `json:"id"`
	ConversationID        int64        `json:"-"`
	SenderType            SenderType   `json:"sender_type"`
	Text                  string       `json:"text"`
	PossibleAnswers       []string     `json:"possible_answers,omitempty"`
	EnforcePossibleAnswer bool         `json:"enforce_possible_answer"`
	RelevantFact          *Fact        `json:"relevant_fact,omitempty"`
	FileRequest           *FileRequest `json:"file_request,omitempty"`
	CreatedAt             time.Time    `json:"timestamp"`
}

// FileRequest asks the user to upload a document. FileID is set once fulfilled.
type FileRequest struct {
	ID           int64        `json:"id"`
	MessageID    int64        `json:"-"`
	DocumentType DocumentType `json:"document_type"`
	FileID       *int64       `json:"file_id,omitempty"`
}

// File is a document uploaded to a conversation.
type File struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"-"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Path           string    `json:"-"`
	CreatedAt      time.Time `json:"timestamp"`
}

// FactEntity is a fact value extracted by the NLP service.
type FactEntity struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"-"`
	FactID         int64     `json:"fact_id"`
	FactName       string    `json:"fact_name"`
	Value          string    `json:"value"`
	CreatedAt      time.Time `json:"-"`
}

// UserConfirmation records the user's verdict on a fact prediction.
type UserConfirmation struct {
	ID        int64
	FactID    int64
	MessageID int64
	Text      string
	CreatedAt time.Time
}
