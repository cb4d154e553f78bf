// Package ingress accepts voice uploads and persona management requests, stores
// the inputs durably and hands pipeline runs to the scheduler.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/audio"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	userAudioKeyFormat   = "msg_%d_%s.%s"
	voiceSampleKeyFormat = "voice_sample_%d_%s.%s"
	resultAccepted       = "accepted"
	defaultCloneTimeout  = time.Minute
)

// Store is the persistence used by the ingress.
type Store interface {
	GetOrCreateConversation(ctx context.Context, userID string, personaID uint) (core.Conversation, error)
	FindConversation(ctx context.Context, userID string, personaID uint) (core.Conversation, error)
	DeleteConversation(ctx context.Context, id uint) error
	ListMessages(ctx context.Context, conversationID uint, limit int) ([]core.Message, error)
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int64, error)
	CreateMessage(ctx context.Context, msg core.Message) (uint, error)
	LoadMessage(ctx context.Context, id uint) (core.Message, error)
	MarkDispatched(ctx context.Context, id uint) error
	CreatePersona(ctx context.Context, persona core.Persona) (core.Persona, error)
	LoadPersona(ctx context.Context, id uint) (core.Persona, error)
	ListPersonas(ctx context.Context, creatorID string) ([]core.Persona, error)
	UpdatePersonaVoice(ctx context.Context, id uint, update core.PersonaVoiceUpdate) error
}

// Recorder receives upload telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	UploadHandled(result string)
	ScheduleFailed()
}

type noopRecorder struct{}

func (noopRecorder) UploadHandled(string) {}
func (noopRecorder) ScheduleFailed()      {}

// Options holds the upload limits and URL settings.
type Options struct {
	PublicAudioPrefix string
	DailyVoiceLimit   int
	MaxAudioDuration  time.Duration
	MaxUploadBytes    uint64
	UploadsPerSecond  float64
	UploadBurst       int
	CloneTimeout      time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Deps lists the collaborators of a Service. Recorder may be nil.
type Deps struct {
	Store     Store
	Audio     core.AudioStore
	Scheduler core.Scheduler
	Cloner    core.VoiceCloner
	Recorder  Recorder
	Log       *logger.Logger
}

// Service implements the ingress operations.
type Service struct {
	store     Store
	audio     core.AudioStore
	scheduler core.Scheduler
	cloner    core.VoiceCloner
	recorder  Recorder
	limiters  *limiterPool
	log       *logger.Logger
	opts      Options
}

// NewService creates a Service.
func NewService(deps Deps, opts Options) *Service {
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = defaultCloneTimeout
	}

	return &Service{
		store:     deps.Store,
		audio:     deps.Audio,
		scheduler: deps.Scheduler,
		cloner:    deps.Cloner,
		recorder:  deps.Recorder,
		limiters:  newLimiterPool(opts.UploadsPerSecond, opts.UploadBurst),
		log:       deps.Log,
		opts:      opts,
	}
}

// SubmitRequest is one recorded voice message.
type SubmitRequest struct {
	UserID    string
	PersonaID uint
	Filename  string
	Audio     []byte
}

// Submit validates and stores a voice message, then schedules its pipeline run.
// It returns once the audio and the user message are durable. A scheduling
// failure does not fail the upload: the message stays undispatched and the
// reaper's re-drive sweep schedules it later.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (msg core.Message, err error) {
	defer func() {
		result := resultAccepted
		if err != nil {
			result = strings.ToLower(string(codeOf(err)))
		}

		s.recorder.UploadHandled(result)
	}()

	format, checkErr := s.checkUpload(req.UserID, req.Filename, req.Audio, true)
	if checkErr != nil {
		return core.Message{}, checkErr
	}

	if !s.limiters.Allow(req.UserID) {
		return core.Message{}, newError(ErrorRateLimited, "too many uploads, slow down", nil)
	}

	quotaErr := s.checkDailyQuota(ctx, req.UserID)
	if quotaErr != nil {
		return core.Message{}, quotaErr
	}

	conversation, convErr := s.store.GetOrCreateConversation(ctx, req.UserID, req.PersonaID)
	if convErr != nil {
		return core.Message{}, storeError("persona", convErr)
	}

	key := fmt.Sprintf(userAudioKeyFormat, conversation.ID, uuid.NewString(), format)

	uploadErr := s.audio.Upload(ctx, key, req.Audio)
	if uploadErr != nil {
		return core.Message{}, newError(ErrorInternal, "failed to store audio", uploadErr)
	}

	msg = core.Message{
		ConversationID: conversation.ID,
		Role:           core.RoleUser,
		AudioURL:       core.Ptr(objectstore.PublicURL(s.opts.PublicAudioPrefix, key)),
		Status:         core.StatusCompleted,
	}

	id, createErr := s.store.CreateMessage(ctx, msg)
	if createErr != nil {
		return core.Message{}, storeError("conversation", createErr)
	}

	msg.ID = id

	stored, reloadErr := s.store.LoadMessage(ctx, id)
	if reloadErr == nil {
		msg = stored
	}

	s.log.Info("Ingress: stored %s (%s) as message %d for user %s",
		key, humanize.Bytes(uint64(len(req.Audio))), id, req.UserID)

	scheduleErr := s.scheduler.Schedule(ctx, core.Job{
		ConversationID: conversation.ID,
		UserMessageID:  id,
		AudioKey:       key,
	})
	if scheduleErr != nil {
		s.recorder.ScheduleFailed()
		s.log.Error("Ingress: failed to schedule run for message %d, leaving it for re-drive: %v", id, scheduleErr)

		return msg, nil
	}

	markErr := s.store.MarkDispatched(ctx, id)
	if markErr != nil {
		// Runs are resumable, so a later re-drive of this message is harmless.
		s.log.Warn("Ingress: failed to mark message %d dispatched: %v", id, markErr)
	}

	return msg, nil
}

// checkUpload validates identity, container format, size and, for WAV, the
// stream parameters and duration.
func (s *Service) checkUpload(userID, filename string, data []byte, limitDuration bool) (audio.Format, error) {
	if userID == "" {
		return "", newError(ErrorUnauthenticated, "user id is required", nil)
	}

	if len(data) == 0 {
		return "", newError(ErrorInvalidInput, "audio file is empty", nil)
	}

	format, formatErr := audio.FormatFromFilename(filename)
	if formatErr != nil {
		return "", newError(ErrorUnsupportedFormat, "unsupported audio format", formatErr)
	}

	if s.opts.MaxUploadBytes > 0 && uint64(len(data)) > s.opts.MaxUploadBytes {
		return "", newError(ErrorTooLarge,
			"audio exceeds "+humanize.Bytes(s.opts.MaxUploadBytes), nil)
	}

	if format != audio.FormatWAV {
		return format, nil
	}

	info, inspectErr := audio.Inspect(data)
	if inspectErr != nil {
		return "", newError(ErrorInvalidInput, "audio is not a valid wav file", inspectErr)
	}

	validateErr := info.Validate()
	if validateErr != nil {
		return "", newError(ErrorInvalidInput, "audio stream parameters are invalid", validateErr)
	}

	if limitDuration && s.opts.MaxAudioDuration > 0 && info.Duration > s.opts.MaxAudioDuration {
		return "", newError(ErrorTooLong,
			fmt.Sprintf("audio is longer than %s", s.opts.MaxAudioDuration), nil)
	}

	return format, nil
}

func (s *Service) checkDailyQuota(ctx context.Context, userID string) error {
	if s.opts.DailyVoiceLimit <= 0 {
		return nil
	}

	now := s.opts.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	sent, countErr := s.store.CountUserMessagesSince(ctx, userID, midnight)
	if countErr != nil {
		return newError(ErrorInternal, "failed to check daily quota", countErr)
	}

	if sent >= int64(s.opts.DailyVoiceLimit) {
		return newError(ErrorQuotaExceeded,
			fmt.Sprintf("daily limit of %s voice messages reached", humanize.Comma(int64(s.opts.DailyVoiceLimit))), nil)
	}

	return nil
}

// PersonaInput is the client-supplied part of a new persona.
type PersonaInput struct {
	Name            string `json:"name"`
	Relationship    string `json:"relationship"`
	UserCalledBy    string `json:"user_called_by"`
	PersonaCalledBy string `json:"persona_called_by"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	LegalConfirmed  bool   `json:"legal_confirmed"`
}

// CreatePersona stores a new persona owned by userID. The caller must confirm
// they hold the rights to clone the voice.
func (s *Service) CreatePersona(ctx context.Context, userID string, in PersonaInput) (core.Persona, error) {
	if userID == "" {
		return core.Persona{}, newError(ErrorUnauthenticated, "user id is required", nil)
	}

	if !in.LegalConfirmed {
		return core.Persona{}, newError(ErrorLegalConfirmation,
			"you must confirm you have the rights to clone this voice", nil)
	}

	if strings.TrimSpace(in.Name) == "" {
		return core.Persona{}, newError(ErrorInvalidInput, "persona name is required", nil)
	}

	persona, err := s.store.CreatePersona(ctx, core.Persona{
		CreatorID:        userID,
		Name:             strings.TrimSpace(in.Name),
		Relationship:     in.Relationship,
		UserCalledBy:     in.UserCalledBy,
		PersonaCalledBy:  in.PersonaCalledBy,
		AvatarURL:        in.AvatarURL,
		VoiceModelStatus: core.VoicePending,
		LegalConfirmed:   true,
	})
	if err != nil {
		return core.Persona{}, newError(ErrorInternal, "failed to create persona", err)
	}

	s.log.Info("Ingress: user %s created persona %d (%s)", userID, persona.ID, persona.Name)

	return persona, nil
}

// ListPersonas returns the personas created by userID.
func (s *Service) ListPersonas(ctx context.Context, userID string) ([]core.Persona, error) {
	if userID == "" {
		return nil, newError(ErrorUnauthenticated, "user id is required", nil)
	}

	personas, err := s.store.ListPersonas(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "failed to list personas", err)
	}

	return personas, nil
}

// UploadVoiceSample stores a voice sample for a persona owned by userID and
// registers it with the synthesis backend. A cloning failure leaves the persona
// with voice status failed and is not returned as an error.
func (s *Service) UploadVoiceSample(
	ctx context.Context,
	userID string,
	personaID uint,
	filename string,
	data []byte,
) (core.Persona, error) {
	format, checkErr := s.checkUpload(userID, filename, data, false)
	if checkErr != nil {
		return core.Persona{}, checkErr
	}

	persona, loadErr := s.ownedPersona(ctx, userID, personaID)
	if loadErr != nil {
		return core.Persona{}, loadErr
	}

	key := fmt.Sprintf(voiceSampleKeyFormat, persona.ID, uuid.NewString(), format)

	uploadErr := s.audio.Upload(ctx, key, data)
	if uploadErr != nil {
		return core.Persona{}, newError(ErrorInternal, "failed to store voice sample", uploadErr)
	}

	processingErr := s.store.UpdatePersonaVoice(ctx, persona.ID, core.PersonaVoiceUpdate{
		VoiceSampleURL: core.Ptr(objectstore.PublicURL(s.opts.PublicAudioPrefix, key)),
		Status:         core.Ptr(core.VoiceProcessing),
	})
	if processingErr != nil {
		return core.Persona{}, storeError("persona", processingErr)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, s.opts.CloneTimeout)
	voiceRef, cloneErr := s.cloner.CloneVoice(cloneCtx, core.AudioClip{Key: key, Data: data}, persona.Name)

	cancel()

	update := core.PersonaVoiceUpdate{Status: core.Ptr(core.VoiceFailed)}
	if cloneErr == nil {
		update = core.PersonaVoiceUpdate{
			VoiceFilePath: core.Ptr(voiceRef),
			VoiceID:       core.Ptr(voiceRef),
			Status:        core.Ptr(core.VoiceReady),
		}
	} else {
		s.log.Error("Ingress: voice cloning for persona %d failed: %v", persona.ID, cloneErr)
	}

	finalErr := s.store.UpdatePersonaVoice(ctx, persona.ID, update)
	if finalErr != nil {
		return core.Persona{}, storeError("persona", finalErr)
	}

	updated, reloadErr := s.store.LoadPersona(ctx, persona.ID)
	if reloadErr != nil {
		return core.Persona{}, storeError("persona", reloadErr)
	}

	return updated, nil
}

func (s *Service) ownedPersona(ctx context.Context, userID string, personaID uint) (core.Persona, error) {
	persona, err := s.store.LoadPersona(ctx, personaID)
	if err != nil {
		return core.Persona{}, storeError("persona", err)
	}

	if persona.CreatorID != userID {
		return core.Persona{}, newError(ErrorNotFound, "persona not found", core.ErrNotFound)
	}

	return persona, nil
}

// ListMessages returns the newest limit messages between userID and the persona,
// oldest first, creating the conversation on first access.
func (s *Service) ListMessages(ctx context.Context, userID string, personaID uint, limit int) ([]core.Message, error) {
	if userID == "" {
		return nil, newError(ErrorUnauthenticated, "user id is required", nil)
	}

	if limit < 0 {
		return nil, newError(ErrorInvalidInput, "limit must not be negative", nil)
	}

	conversation, convErr := s.store.GetOrCreateConversation(ctx, userID, personaID)
	if convErr != nil {
		return nil, storeError("persona", convErr)
	}

	messages, listErr := s.store.ListMessages(ctx, conversation.ID, limit)
	if listErr != nil {
		return nil, newError(ErrorInternal, "failed to list messages", listErr)
	}

	return messages, nil
}

// ResetConversation deletes the conversation between userID and the persona
// together with its messages. Stored audio is kept.
func (s *Service) ResetConversation(ctx context.Context, userID string, personaID uint) error {
	if userID == "" {
		return newError(ErrorUnauthenticated, "user id is required", nil)
	}

	conversation, findErr := s.store.FindConversation(ctx, userID, personaID)
	if findErr != nil {
		return storeError("conversation", findErr)
	}

	deleteErr := s.store.DeleteConversation(ctx, conversation.ID)
	if deleteErr != nil && !errors.Is(deleteErr, core.ErrNotFound) {
		return newError(ErrorInternal, "failed to delete conversation", deleteErr)
	}

	s.log.Info("Ingress: user %s reset conversation %d", userID, conversation.ID)

	return nil
}
