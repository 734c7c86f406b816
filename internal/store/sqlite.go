package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// the busy timeout instead of failing on lock upgrade.
	dsn := dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		person_type TEXT NOT NULL,
		claim_category TEXT,
		current_fact_id INTEGER,
		current_fact_name TEXT,
		phase TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_type TEXT NOT NULL,
		text TEXT NOT NULL,
		possible_answers_json TEXT,
		enforce_possible_answer INTEGER NOT NULL DEFAULT 0,
		relevant_fact_id INTEGER,
		relevant_fact_name TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_conversation ON files(conversation_id, id);

	CREATE TABLE IF NOT EXISTS file_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
		document_type TEXT NOT NULL,
		file_id INTEGER REFERENCES files(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS fact_entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		fact_id INTEGER NOT NULL,
		fact_name TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fact_entities_conversation ON fact_entities(conversation_id, id);

	CREATE TABLE IF NOT EXISTS user_confirmations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fact_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, retrying the whole transaction on SQLite conflicts.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, s.retry, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// CreateConversation inserts a conversation and sets its ID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now()
	if conv.Phase == "" {
		conv.Phase = domain.PhaseGreeting
	}

	query := `
	INSERT INTO conversations (name, person_type, claim_category, phase, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "create conversation", func() error {
		result, err := s.db.ExecContext(ctx, query,
			conv.Name, string(conv.PersonType), nullString(conv.ClaimCategory),
			string(conv.Phase), now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("conversation last insert id: %w", err)
		}
		conv.ID = id
		conv.CreatedAt = time.Unix(now.Unix(), 0)
		conv.UpdatedAt = conv.CreatedAt
		return nil
	})
}

// GetConversation loads a conversation with its messages, files and fact entities.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `
		SELECT id, name, person_type, claim_category, current_fact_id, current_fact_name,
		       phase, created_at, updated_at
		FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var personType, phase string
	var category, factName sql.NullString
	var factID sql.NullInt64
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Name, &personType, &category, &factID, &factName,
		&phase, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.PersonType = domain.PersonType(personType)
	conv.Phase = domain.Phase(phase)
	if category.Valid {
		conv.ClaimCategory = &category.String
	}
	conv.CurrentFact = factFromColumns(factID, factName)
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	if conv.Messages, err = s.listMessages(ctx, id); err != nil {
		return nil, err
	}
	if conv.Files, err = s.ListFiles(ctx, id); err != nil {
		return nil, err
	}
	if conv.FactEntities, err = s.listFactEntities(ctx, id); err != nil {
		return nil, err
	}

	return &conv, nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, conversationID int64) ([]domain.Message, error) {
	query := `
		SELECT m.id, m.sender_type, m.text, m.possible_answers_json, m.enforce_possible_answer,
		       m.relevant_fact_id, m.relevant_fact_name, m.created_at,
		       fr.id, fr.document_type, fr.file_id
		FROM messages m
		LEFT JOIN file_requests fr ON fr.message_id = m.id
		WHERE m.conversation_id = ?
		ORDER BY m.id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var senderType string
		var answersJSON, factName, docType sql.NullString
		var factID, requestID, requestFileID sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &senderType, &msg.Text, &answersJSON, &msg.EnforcePossibleAnswer,
			&factID, &factName, &createdAt,
			&requestID, &docType, &requestFileID,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.ConversationID = conversationID
		msg.SenderType = domain.SenderType(senderType)
		msg.RelevantFact = factFromColumns(factID, factName)
		msg.CreatedAt = time.Unix(createdAt, 0)

		if answersJSON.Valid {
			if err := json.Unmarshal([]byte(answersJSON.String), &msg.PossibleAnswers); err != nil {
				return nil, fmt.Errorf("decode possible answers of message %d: %w", msg.ID, err)
			}
		}
		if requestID.Valid {
			req := &domain.FileRequest{
				ID:           requestID.Int64,
				MessageID:    msg.ID,
				DocumentType: domain.DocumentType(docType.String),
			}
			if requestFileID.Valid {
				fileID := requestFileID.Int64
				req.FileID = &fileID
			}
			msg.FileRequest = req
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) listFactEntities(ctx context.Context, conversationID int64) ([]domain.FactEntity, error) {
	query := `
		SELECT id, fact_id, fact_name, value, created_at
		FROM fact_entities WHERE conversation_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query fact entities: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close fact entity rows", "error", closeErr)
		}
	}()

	entities := []domain.FactEntity{}
	for rows.Next() {
		var e domain.FactEntity
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.FactID, &e.FactName, &e.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fact entity row: %w", err)
		}
		e.ConversationID = conversationID
		e.CreatedAt = time.Unix(createdAt, 0)
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact entities: %w", err)
	}
	return entities, nil
}

// SaveTurn persists the messages and state patch of one dialogue turn atomically.
func (s *SQLiteStore) SaveTurn(ctx context.Context, conversationID int64, turn *domain.Turn) error {
	now := time.Now()

	return s.withTx(ctx, "save turn", func(tx *sql.Tx) error {
		if turn.UserMessage != nil {
			if err := insertMessage(ctx, tx, conversationID, turn.UserMessage, now); err != nil {
				return err
			}
		}
		if turn.BotMessage != nil {
			if err := insertMessage(ctx, tx, conversationID, turn.BotMessage, now); err != nil {
				return err
			}
		}
		if err := applyPatch(ctx, tx, conversationID, turn.Patch, now); err != nil {
			return err
		}
		return nil
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID int64, msg *domain.Message, now time.Time) error {
	var answers interface{}
	if msg.PossibleAnswers != nil {
		data, err := json.Marshal(msg.PossibleAnswers)
		if err != nil {
			return fmt.Errorf("encode possible answers: %w", err)
		}
		answers = string(data)
	}

	var factID, factName interface{}
	if msg.RelevantFact != nil {
		factID = msg.RelevantFact.ID
		factName = msg.RelevantFact.Name
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_type, text, possible_answers_json,
			enforce_possible_answer, relevant_fact_id, relevant_fact_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, string(msg.SenderType), msg.Text, answers,
		msg.EnforcePossibleAnswer, factID, factName, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("message last insert id: %w", err)
	}
	msg.ID = id
	msg.ConversationID = conversationID
	msg.CreatedAt = time.Unix(now.Unix(), 0)

	if msg.FileRequest == nil {
		return nil
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO file_requests (message_id, document_type) VALUES (?, ?)`,
		id, string(msg.FileRequest.DocumentType),
	)
	if err != nil {
		return fmt.Errorf("insert file request: %w", err)
	}
	requestID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("file request last insert id: %w", err)
	}
	msg.FileRequest.ID = requestID
	msg.FileRequest.MessageID = id
	return nil
}

func applyPatch(ctx context.Context, tx *sql.Tx, conversationID int64, p domain.StatePatch, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{now.Unix()}

	if p.Phase != "" {
		sets = append(sets, "phase = ?")
		args = append(args, string(p.Phase))
	}
	if p.ClaimCategory != nil {
		sets = append(sets, "claim_category = ?")
		args = append(args, *p.ClaimCategory)
	}
	switch {
	case p.CurrentFact != nil:
		sets = append(sets, "current_fact_id = ?", "current_fact_name = ?")
		args = append(args, p.CurrentFact.ID, p.CurrentFact.Name)
	case p.ClearCurrentFact:
		sets = append(sets, "current_fact_id = NULL", "current_fact_name = NULL")
	}

	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, conversationID)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update conversation %d: %w", conversationID, domain.ErrNotFound)
	}

	if e := p.FactEntity; e != nil {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO fact_entities (conversation_id, fact_id, fact_name, value, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, e.FactID, e.FactName, e.Value, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert fact entity: %w", err)
		}
		if e.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("fact entity last insert id: %w", err)
		}
		e.ConversationID = conversationID
		e.CreatedAt = time.Unix(now.Unix(), 0)
	}
	return nil
}

// CreateFile inserts a file row without a storage path and sets its ID.
func (s *SQLiteStore) CreateFile(ctx context.Context, file *domain.File) error {
	now := time.Now()
	return shared.RetryOnConflict(ctx, s.retry, "create file", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO files (conversation_id, name, type, created_at) VALUES (?, ?, ?, ?)`,
			file.ConversationID, file.Name, file.Type, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("file last insert id: %w", err)
		}
		file.ID = id
		file.CreatedAt = time.Unix(now.Unix(), 0)
		return nil
	})
}

// CompleteFile sets the storage path and fulfils the oldest open file request.
func (s *SQLiteStore) CompleteFile(ctx context.Context, file *domain.File) error {
	return s.withTx(ctx, "complete file", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE files SET path = ? WHERE id = ?`, file.Path, file.ID)
		if err != nil {
			return fmt.Errorf("update file path: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("update file %d: %w", file.ID, domain.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE file_requests SET file_id = ?
			WHERE id = (
				SELECT fr.id FROM file_requests fr
				JOIN messages m ON m.id = fr.message_id
				WHERE m.conversation_id = ? AND fr.file_id IS NULL
				ORDER BY fr.id LIMIT 1
			)`, file.ID, file.ConversationID)
		if err != nil {
			return fmt.Errorf("fulfil file request: %w", err)
		}
		return nil
	})
}

// DeleteFile removes a file row.
func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID int64) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete file", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		return nil
	})
}

// GetFile retrieves a file owned by a conversation.
func (s *SQLiteStore) GetFile(ctx context.Context, conversationID, fileID int64) (*domain.File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, name, type, path, created_at
		FROM files WHERE id = ? AND conversation_id = ?`, fileID, conversationID)

	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// ListFiles lists the files of a conversation in upload order.
func (s *SQLiteStore) ListFiles(ctx context.Context, conversationID int64) ([]domain.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, name, type, path, created_at
		FROM files WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close file rows", "error", closeErr)
		}
	}()

	files := []domain.File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// CreateUserConfirmation inserts a user confirmation and sets its ID.
func (s *SQLiteStore) CreateUserConfirmation(ctx context.Context, c *domain.UserConfirmation) error {
	now := time.Now()
	return shared.RetryOnConflict(ctx, s.retry, "create user confirmation", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO user_confirmations (fact_id, message_id, text, created_at) VALUES (?, ?, ?, ?)`,
			c.FactID, c.MessageID, c.Text, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert user confirmation: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("user confirmation last insert id: %w", err)
		}
		c.ID = id
		c.CreatedAt = time.Unix(now.Unix(), 0)
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*domain.File, error) {
	var file domain.File
	var path sql.NullString
	var createdAt int64
	if err := row.Scan(&file.ID, &file.ConversationID, &file.Name, &file.Type, &path, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	file.Path = path.String
	file.CreatedAt = time.Unix(createdAt, 0)
	return &file, nil
}

func factFromColumns(id sql.NullInt64, name sql.NullString) *domain.Fact {
	if !id.Valid {
		return nil
	}
	return &domain.Fact{ID: id.Int64, Name: name.String}
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
