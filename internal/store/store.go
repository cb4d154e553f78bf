// Package store persists personas, conversations and messages through gorm on SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	dsnOptions      = "?_foreign_keys=on&_busy_timeout=5000"
	dirPermissions  = 0o750
	defaultPageSize = 50
)

var (
	// ErrInvalidArgument is returned for arguments the store refuses to persist.
	ErrInvalidArgument = errors.New("invalid store argument")
)

// Store implements core.MessageStore plus the ingress and reaper queries.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open opens (creating if needed) the SQLite database at path and migrates the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		mkdirErr := os.MkdirAll(dir, dirPermissions)
		if mkdirErr != nil {
			return nil, fmt.Errorf("failed to create database directory '%s': %w", dir, mkdirErr)
		}
	}

	db, openErr := gorm.Open(sqlite.Open(path+dsnOptions), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if openErr != nil {
		return nil, fmt.Errorf("failed to open database '%s': %w", path, openErr)
	}

	sqlDB, dbErr := db.DB()
	if dbErr != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", dbErr)
	}

	// SQLite serialises writers; one connection avoids SQLITE_BUSY between goroutines.
	sqlDB.SetMaxOpenConns(1)

	_, walErr := sqlDB.Exec("PRAGMA journal_mode = WAL;")
	if walErr != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", walErr)
	}

	migrateErr := db.AutoMigrate(&personaRecord{}, &conversationRecord{}, &messageRecord{})
	if migrateErr != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", migrateErr)
	}

	log.Info("Message store opened at %s", path)

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access database handle: %w", err)
	}

	return sqlDB.Close()
}

func translateNotFound(err error, what string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, core.ErrNotFound)
	}

	return fmt.Errorf("failed to load %s %v: %w", what, id, err)
}

// LoadConversation returns the conversation with the given id.
func (s *Store) LoadConversation(ctx context.Context, id uint) (core.Conversation, error) {
	var record conversationRecord

	err := s.db.WithContext(ctx).First(&record, id).Error
	if err != nil {
		return core.Conversation{}, translateNotFound(err, "conversation", id)
	}

	return record.toCore(), nil
}

// LoadPersona returns the persona with the given id.
func (s *Store) LoadPersona(ctx context.Context, id uint) (core.Persona, error) {
	var record personaRecord

	err := s.db.WithContext(ctx).First(&record, id).Error
	if err != nil {
		return core.Persona{}, translateNotFound(err, "persona", id)
	}

	return record.toCore(), nil
}

// LoadMessage returns the message with the given id.
func (s *Store) LoadMessage(ctx context.Context, id uint) (core.Message, error) {
	var record messageRecord

	err := s.db.WithContext(ctx).First(&record, id).Error
	if err != nil {
		return core.Message{}, translateNotFound(err, "message", id)
	}

	return record.toCore()
}

// FindReply returns the assistant message answering userMessageID.
func (s *Store) FindReply(ctx context.Context, userMessageID uint) (core.Message, error) {
	var record messageRecord

	err := s.db.WithContext(ctx).Where("reply_to_id = ?", userMessageID).First(&record).Error
	if err != nil {
		return core.Message{}, translateNotFound(err, "reply to message", userMessageID)
	}

	return record.toCore()
}

// CreateMessage inserts msg and returns its id. A second assistant message for
// the same user message fails with core.ErrDuplicateReply.
func (s *Store) CreateMessage(ctx context.Context, msg core.Message) (uint, error) {
	record, convertErr := messageFromCore(msg)
	if convertErr != nil {
		return 0, fmt.Errorf("%w: analysis: %w", ErrInvalidArgument, convertErr)
	}

	createErr := s.db.WithContext(ctx).Create(&record).Error
	if createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return 0, core.ErrDuplicateReply
		}

		if errors.Is(createErr, gorm.ErrForeignKeyViolated) {
			return 0, fmt.Errorf("conversation %d: %w", msg.ConversationID, core.ErrNotFound)
		}

		return 0, fmt.Errorf("failed to create message: %w", createErr)
	}

	return record.ID, nil
}

// UpdateMessage applies update to a single row atomically. A status change is
// only applied when the stored status allows it; otherwise core.ErrInvalidTransition
// is returned and nothing is written.
func (s *Store) UpdateMessage(ctx context.Context, id uint, update core.MessageUpdate) error {
	values := map[string]any{"updated_at": s.db.NowFunc()}

	if update.ContentText != nil {
		values["content_text"] = *update.ContentText
	}

	if update.AudioURL != nil {
		values["audio_url"] = *update.AudioURL
	}

	query := s.db.WithContext(ctx).Model(&messageRecord{}).Where("id = ?", id)

	if update.Status != nil {
		sources := core.SourcesFor(*update.Status)
		if len(sources) == 0 {
			return fmt.Errorf("message %d -> %s: %w", id, *update.Status, core.ErrInvalidTransition)
		}

		values["status"] = string(*update.Status)
		query = query.Where("status IN ?", statusStrings(sources))
	}

	result := query.Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update message %d: %w", id, result.Error)
	}

	if result.RowsAffected > 0 {
		return nil
	}

	current, loadErr := s.LoadMessage(ctx, id)
	if loadErr != nil {
		return loadErr
	}

	if update.Status == nil {
		return fmt.Errorf("message %d was not updated", id)
	}

	return fmt.Errorf("message %d %s -> %s: %w", id, current.Status, *update.Status, core.ErrInvalidTransition)
}

func statusStrings(statuses []core.MessageStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}

	return out
}

// GetOrCreateConversation returns the conversation between userID and personaID,
// creating it on first interaction.
func (s *Store) GetOrCreateConversation(ctx context.Context, userID string, personaID uint) (core.Conversation, error) {
	_, personaErr := s.LoadPersona(ctx, personaID)
	if personaErr != nil {
		return core.Conversation{}, personaErr
	}

	var record conversationRecord

	findErr := s.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&record).Error
	if findErr == nil {
		return record.toCore(), nil
	}

	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return core.Conversation{}, fmt.Errorf("failed to find conversation: %w", findErr)
	}

	record = conversationRecord{UserID: userID, PersonaID: personaID}

	createErr := s.db.WithContext(ctx).Create(&record).Error
	if createErr == nil {
		return record.toCore(), nil
	}

	// Lost a race with a concurrent first interaction: read the winner.
	if errors.Is(createErr, gorm.ErrDuplicatedKey) {
		var existing conversationRecord

		retryErr := s.db.WithContext(ctx).
			Where("user_id = ? AND persona_id = ?", userID, personaID).
			First(&existing).Error
		if retryErr != nil {
			return core.Conversation{}, fmt.Errorf("failed to find conversation after conflict: %w", retryErr)
		}

		return existing.toCore(), nil
	}

	return core.Conversation{}, fmt.Errorf("failed to create conversation: %w", createErr)
}

// FindConversation returns the conversation between userID and personaID or core.ErrNotFound.
func (s *Store) FindConversation(ctx context.Context, userID string, personaID uint) (core.Conversation, error) {
	var record conversationRecord

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&record).Error
	if err != nil {
		return core.Conversation{}, translateNotFound(err, "conversation with persona", personaID)
	}

	return record.toCore(), nil
}

// ListMessages returns the newest limit messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID uint, limit int) ([]core.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var records []messageRecord

	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of conversation %d: %w", conversationID, err)
	}

	slices.Reverse(records)

	messages := make([]core.Message, 0, len(records))

	for _, record := range records {
		msg, convertErr := record.toCore()
		if convertErr != nil {
			return nil, fmt.Errorf("message %d: %w", record.ID, convertErr)
		}

		messages = append(messages, msg)
	}

	return messages, nil
}

// CountUserMessagesSince counts voice messages sent by userID at or after since,
// across all of the user's conversations.
func (s *Store) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64

	err := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.user_id = ? AND messages.role = ? AND messages.created_at >= ?",
			userID, string(core.RoleUser), since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count messages of user %s: %w", userID, err)
	}

	return count, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messagesErr := tx.Where("conversation_id = ?", id).Delete(&messageRecord{}).Error
		if messagesErr != nil {
			return fmt.Errorf("failed to delete messages of conversation %d: %w", id, messagesErr)
		}

		result := tx.Delete(&conversationRecord{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete conversation %d: %w", id, result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("conversation %d: %w", id, core.ErrNotFound)
		}

		return nil
	})
}

// CreatePersona inserts a persona and returns it with its id.
func (s *Store) CreatePersona(ctx context.Context, persona core.Persona) (core.Persona, error) {
	if persona.Name == "" || persona.CreatorID == "" {
		return core.Persona{}, fmt.Errorf("%w: persona requires a name and a creator", ErrInvalidArgument)
	}

	record := personaFromCore(persona)

	err := s.db.WithContext(ctx).Create(&record).Error
	if err != nil {
		return core.Persona{}, fmt.Errorf("failed to create persona: %w", err)
	}

	return record.toCore(), nil
}

// ListPersonas returns the personas created by creatorID, oldest first.
func (s *Store) ListPersonas(ctx context.Context, creatorID string) ([]core.Persona, error) {
	var records []personaRecord

	err := s.db.WithContext(ctx).Where("creator_id = ?", creatorID).Order("id ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list personas of %s: %w", creatorID, err)
	}

	personas := make([]core.Persona, 0, len(records))
	for _, record := range records {
		personas = append(personas, record.toCore())
	}

	return personas, nil
}

// UpdatePersonaVoice applies the non-nil voice fields of update to a persona.
func (s *Store) UpdatePersonaVoice(ctx context.Context, id uint, update core.PersonaVoiceUpdate) error {
	values := map[string]any{"updated_at": s.db.NowFunc()}

	if update.VoiceSampleURL != nil {
		values["voice_sample_url"] = *update.VoiceSampleURL
	}

	if update.VoiceID != nil {
		values["voice_id"] = *update.VoiceID
	}

	if update.VoiceFilePath != nil {
		values["voice_file_path"] = *update.VoiceFilePath
	}

	if update.Status != nil {
		values["voice_model_status"] = string(*update.Status)
	}

	result := s.db.WithContext(ctx).Model(&personaRecord{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update persona %d: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("persona %d: %w", id, core.ErrNotFound)
	}

	return nil
}

// FailStaleProcessing marks assistant messages stuck in processing since before
// updatedBefore as failed and returns how many rows changed.
func (s *Store) FailStaleProcessing(ctx context.Context, updatedBefore time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("role = ? AND status = ? AND updated_at < ?",
			string(core.RoleAssistant), string(core.StatusProcessing), updatedBefore.UTC()).
		Updates(map[string]any{
			"status":     string(core.StatusFailed),
			"updated_at": s.db.NowFunc(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to fail stale messages: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.Warn("Marked %d stale assistant message(s) as failed", result.RowsAffected)
	}

	return result.RowsAffected, nil
}

// MarkDispatched records that the run for user message id has been scheduled.
// Marking an already dispatched message is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("id = ? AND role = ? AND dispatched_at IS NULL", id, string(core.RoleUser)).
		Update("dispatched_at", s.db.NowFunc())
	if result.Error != nil {
		return fmt.Errorf("failed to mark message %d dispatched: %w", id, result.Error)
	}

	if result.RowsAffected > 0 {
		return nil
	}

	_, loadErr := s.LoadMessage(ctx, id)

	return loadErr
}

// ListUndispatched returns up to limit user messages created before
// createdBefore whose run was never scheduled, oldest first.
func (s *Store) ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]core.Message, error) {
	var records []messageRecord

	err := s.db.WithContext(ctx).
		Where("role = ? AND dispatched_at IS NULL AND created_at < ?", string(core.RoleUser), createdBefore.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list undispatched messages: %w", err)
	}

	messages := make([]core.Message, 0, len(records))

	for _, record := range records {
		msg, convertErr := record.toCore()
		if convertErr != nil {
			return nil, convertErr
		}

		messages = append(messages, msg)
	}

	return messages, nil
}
