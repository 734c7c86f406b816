// Package conversation orchestrates the intake lifecycle: creating
// conversations, exchanging messages, collecting documents and reporting.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/files"
	"github.com/ashureev/claim-intake/internal/nlp"
	"github.com/ashureev/claim-intake/internal/report"
	"github.com/ashureev/claim-intake/internal/store"
	"github.com/ashureev/claim-intake/internal/transcript"
)

// Stepper computes the next dialogue turn.
type Stepper interface {
	Step(ctx context.Context, conv *domain.Conversation, text string) (*domain.Turn, error)
}

// Predictor predicts the outcome of a conversation.
type Predictor interface {
	Predict(ctx context.Context, conversationID int64) (*nlp.Prediction, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Repo       store.Repository
	Machine    Stepper
	Formats    *files.Formats
	Storage    files.Storage
	Predictor  Predictor
	Statistics report.StatisticsSource
	Facts      report.FactSource // defaults to report.EntityFacts
	Transcript transcript.Logger
	Logger     *slog.Logger
}

// Service implements the conversation operations.
type Service struct {
	repo       store.Repository
	machine    Stepper
	formats    *files.Formats
	storage    files.Storage
	predictor  Predictor
	reports    *report.Generator
	transcript transcript.Logger
	logger     *slog.Logger

	// locks serialises turns per conversation.
	locks sync.Map
}

// NewService creates a conversation service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("conversation: repository is required")
	case deps.Machine == nil:
		return nil, errors.New("conversation: dialogue machine is required")
	case deps.Storage == nil:
		return nil, errors.New("conversation: file storage is required")
	}
	if deps.Formats == nil {
		deps.Formats = files.DefaultFormats()
	}
	if deps.Predictor == nil {
		deps.Predictor = nlp.Disabled{}
	}
	if deps.Statistics == nil {
		deps.Statistics = nlp.Disabled{}
	}
	if deps.Transcript == nil {
		deps.Transcript = transcript.Noop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Service{
		repo:       deps.Repo,
		machine:    deps.Machine,
		formats:    deps.Formats,
		storage:    deps.Storage,
		predictor:  deps.Predictor,
		reports:    report.NewGenerator(deps.Statistics, deps.Facts),
		transcript: deps.Transcript,
		logger:     deps.Logger,
	}, nil
}

func (s *Service) lock(id int64) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Initiate creates a conversation and returns its ID.
func (s *Service) Initiate(ctx context.Context, name, personType string) (int64, error) {
	pt, err := domain.ParsePersonType(personType)
	if err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}

	conv := &domain.Conversation{Name: name, PersonType: pt, Phase: domain.PhaseGreeting}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info("Conversation initiated", "conversation_id", conv.ID, "person_type", pt)
	s.transcript.Log(transcript.Event{
		ConversationID: conv.ID,
		EventType:      transcript.EventConversationInitiated,
		Meta:           map[string]any{"name": name, "person_type": string(pt)},
	})
	return conv.ID, nil
}

// Lookup returns a conversation or domain.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, id int64) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", domain.ErrNotFound, id)
	}
	return conv, nil
}

// ReceiveMessage runs one dialogue turn and returns the bot's reply.
// Turns on the same conversation run one at a time.
func (s *Service) ReceiveMessage(ctx context.Context, id int64, text string) (*Reply, error) {
	// Locks exist only for stored conversations.
	if _, err := s.Lookup(ctx, id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	conv, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	turn, err := s.machine.Step(ctx, conv, text)
	if err != nil {
		return nil, err
	}
	if turn.BotMessage == nil || turn.BotMessage.Text == "" {
		return nil, domain.ErrUnhandledState
	}
	if err := s.repo.SaveTurn(ctx, conv.ID, turn); err != nil {
		return nil, fmt.Errorf("save turn: %w", err)
	}
	conv.Apply(turn)

	if turn.UserMessage != nil {
		s.transcript.Log(transcript.Event{
			ConversationID: conv.ID,
			Direction:      "inbound",
			EventType:      transcript.EventUserMessage,
			ContentRaw:     turn.UserMessage.Text,
		})
	}
	s.transcript.Log(transcript.Event{
		ConversationID: conv.ID,
		Direction:      "outbound",
		EventType:      transcript.EventBotMessage,
		ContentRaw:     turn.BotMessage.Text,
		Meta:           map[string]any{"phase": string(conv.Phase)},
	})

	bot := turn.BotMessage
	body := Text(bot.Text)
	if turn.UserMessage == nil {
		// The greeting is the scripted HTML disclaimer.
		body = HTML(bot.Text)
	}
	if e := conv.LastFactEntity(); e != nil && e.Value != "" && turn.UserMessage != nil && turn.UserMessage.RelevantFact != nil {
		body = body.Prepend(annotationPrefix(turn.UserMessage.RelevantFact.Name, e.Value))
	}

	s.logger.Debug("Turn completed", "conversation_id", conv.ID, "phase", conv.Phase)
	return &Reply{
		ConversationID:        conv.ID,
		Body:                  body,
		FileRequest:           bot.FileRequest,
		PossibleAnswers:       bot.PossibleAnswers,
		EnforcePossibleAnswer: bot.EnforcePossibleAnswer,
	}, nil
}

// RecordConfirmation stores the user's verdict on the fact being resolved,
// linked to their latest message.
func (s *Service) RecordConfirmation(ctx context.Context, id int64, text string) error {
	conv, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	msg := conv.LastUserMessage()
	if msg == nil {
		return fmt.Errorf("%w: conversation %d has no user message", domain.ErrNotFound, id)
	}
	if conv.CurrentFact == nil {
		return fmt.Errorf("%w: conversation %d has no fact being resolved", domain.ErrNotFound, id)
	}

	confirmation := &domain.UserConfirmation{
		FactID:    conv.CurrentFact.ID,
		MessageID: msg.ID,
		Text:      text,
	}
	if err := s.repo.CreateUserConfirmation(ctx, confirmation); err != nil {
		return fmt.Errorf("create user confirmation: %w", err)
	}

	s.transcript.Log(transcript.Event{
		ConversationID: id,
		Direction:      "inbound",
		EventType:      transcript.EventUserConfirmation,
		ContentRaw:     text,
		Meta:           map[string]any{"fact_id": confirmation.FactID, "message_id": msg.ID},
	})
	return nil
}

// ListFiles lists the files uploaded to a conversation.
func (s *Service) ListFiles(ctx context.Context, id int64) ([]domain.File, error) {
	if _, err := s.Lookup(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.repo.ListFiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return list, nil
}

// GetFile returns a file of a conversation or domain.ErrNotFound.
func (s *Service) GetFile(ctx context.Context, id, fileID int64) (*domain.File, error) {
	if _, err := s.Lookup(ctx, id); err != nil {
		return nil, err
	}
	file, err := s.repo.GetFile(ctx, id, fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("%w: file %d", domain.ErrNotFound, fileID)
	}
	return file, nil
}

// OpenFile opens the stored contents of a file. The caller closes the reader.
func (s *Service) OpenFile(ctx context.Context, id, fileID int64) (io.ReadCloser, *domain.File, error) {
	file, err := s.GetFile(ctx, id, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.Path == "" {
		return nil, nil, fmt.Errorf("%w: file %d has no stored content", domain.ErrNotFound, fileID)
	}
	rc, err := s.storage.Open(file.Path, file.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %d: %w", fileID, err)
	}
	return rc, file, nil
}

// Upload is a document sent by the user.
type Upload struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// UnsupportedFormatError rejects an upload whose type is not accepted.
type UnsupportedFormatError struct {
	Extension string
	Accepted  string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("Filetype %s is not supported. Supported filetypes are %s.", e.Extension, e.Accepted)
}

func (e *UnsupportedFormatError) Unwrap() error { return domain.ErrUnsupportedFormat }

// UploadFile validates and stores a document. The file row is created first
// because its storage path derives from the row ID; if storing the content
// fails the row is removed again.
func (s *Service) UploadFile(ctx context.Context, id int64, up Upload) (*domain.File, error) {
	if _, err := s.Lookup(ctx, id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(up.Filename) == "" {
		return nil, fmt.Errorf("%w: no file selected", domain.ErrInvalidInput)
	}
	if !s.formats.IsAccepted(up.ContentType) {
		return nil, &UnsupportedFormatError{
			Extension: s.formats.Extension(up.Filename, up.ContentType),
			Accepted:  s.formats.AcceptedString(),
		}
	}

	file := &domain.File{
		ConversationID: id,
		Name:           files.SanitizeName(up.Filename),
		Type:           up.ContentType,
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	file.Path = files.GeneratePath(id, file.ID)
	size, err := s.storage.Upload(ctx, up.Content, file.Path, file.Name)
	if err != nil {
		s.discardFile(file, false)
		return nil, fmt.Errorf("upload file: %w", err)
	}
	if err := s.repo.CompleteFile(ctx, file); err != nil {
		s.discardFile(file, true)
		return nil, fmt.Errorf("complete file: %w", err)
	}

	s.logger.Info("File uploaded", "conversation_id", id, "file_id", file.ID, "bytes", size)
	s.transcript.Log(transcript.Event{
		ConversationID: id,
		Direction:      "inbound",
		EventType:      transcript.EventFileUploaded,
		Meta:           map[string]any{"file_id": file.ID, "name": file.Name, "type": file.Type, "bytes": size},
	})
	return file, nil
}

// discardFile undoes a partial upload. It ignores the request context so a
// cancelled request still cleans up.
func (s *Service) discardFile(file *domain.File, stored bool) {
	ctx := context.Background()
	if stored {
		if err := s.storage.Remove(file.Path, file.Name); err != nil {
			s.logger.Error("Failed to remove stored upload", "file_id", file.ID, "error", err)
		}
	}
	if err := s.repo.DeleteFile(ctx, file.ID); err != nil {
		s.logger.Error("Failed to delete file row after failed upload", "file_id", file.ID, "error", err)
	}
}

// GenerateReport predicts the conversation's outcome and builds its report.
func (s *Service) GenerateReport(ctx context.Context, id int64) (*report.Report, error) {
	conv, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	prediction, err := s.predictor.Predict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("predict outcome: %w", err)
	}
	r, err := s.reports.Generate(ctx, conv, prediction.Outcomes, prediction.SimilarPrecedents)
	if err != nil {
		return nil, err
	}

	s.transcript.Log(transcript.Event{
		ConversationID: id,
		Direction:      "outbound",
		EventType:      transcript.EventReportGenerated,
		Meta:           map[string]any{"similar_case": r.SimilarCase, "outcomes": len(r.Outcomes)},
	})
	return r, nil
}
