// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/claim-intake/internal/domain"
)

// Repository defines the interface for persisting conversations and their children.
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// CreateConversation inserts a conversation and sets its ID.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation loads a conversation with its messages, files and fact entities.
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)

	// SaveTurn persists the messages and state patch of one dialogue turn atomically.
	// Message IDs and timestamps are set on the turn.
	SaveTurn(ctx context.Context, conversationID int64, turn *domain.Turn) error

	// CreateFile inserts a file row without a storage path and sets its ID.
	CreateFile(ctx context.Context, file *domain.File) error

	// CompleteFile sets the storage path of a file and links it to the
	// oldest open file request of its conversation, in one transaction.
	CompleteFile(ctx context.Context, file *domain.File) error

	// DeleteFile removes a file row.
	DeleteFile(ctx context.Context, fileID int64) error

	// GetFile retrieves a file owned by a conversation.
	GetFile(ctx context.Context, conversationID, fileID int64) (*domain.File, error)

	// ListFiles lists the files of a conversation in upload order.
	ListFiles(ctx context.Context, conversationID int64) ([]domain.File, error)

	// CreateUserConfirmation inserts a user confirmation and sets its ID.
	CreateUserConfirmation(ctx context.Context, confirmation *domain.UserConfirmation) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
