// Package pipeline runs one user voice message through transcription, reply
// generation and speech synthesis, persisting progress at each durability point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/google/uuid"
)

const (
	replyKeyFormat   = "reply_%d_%s.wav"
	finalizeTimeout  = 10 * time.Second
	defaultTimeout   = time.Minute
	defaultURLPrefix = "/static/audio"
)

// Options holds the run settings taken from configuration.
type Options struct {
	PublicAudioPrefix string
	DefaultVoice      string
	STTTimeout        time.Duration
	LLMTimeout        time.Duration
	TTSTimeout        time.Duration
}

// Deps lists the collaborators of an Orchestrator. Observer may be nil.
type Deps struct {
	Store       core.MessageStore
	Audio       core.AudioStore
	Transcriber core.Transcriber
	Generator   core.ReplyGenerator
	Speaker     core.Speaker
	Observer    Observer
	Log         *logger.Logger
}

// Orchestrator executes pipeline runs. It is safe for concurrent use; each run
// only mutates the rows it owns.
type Orchestrator struct {
	store       core.MessageStore
	audio       core.AudioStore
	transcriber core.Transcriber
	generator   core.ReplyGenerator
	speaker     core.Speaker
	observer    Observer
	log         *logger.Logger
	opts        Options
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Audio == nil || deps.Transcriber == nil ||
		deps.Generator == nil || deps.Speaker == nil || deps.Log == nil {
		return nil, ErrMissingDependency
	}

	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}

	if opts.PublicAudioPrefix == "" {
		opts.PublicAudioPrefix = defaultURLPrefix
	}

	for _, timeout := range []*time.Duration{&opts.STTTimeout, &opts.LLMTimeout, &opts.TTSTimeout} {
		if *timeout <= 0 {
			*timeout = defaultTimeout
		}
	}

	return &Orchestrator{
		store:       deps.Store,
		audio:       deps.Audio,
		transcriber: deps.Transcriber,
		generator:   deps.Generator,
		speaker:     deps.Speaker,
		observer:    deps.Observer,
		log:         deps.Log,
		opts:        opts,
	}, nil
}

// Run executes one run for job. It never panics. A nil result means the reply
// is completed or was already terminal; otherwise the result is a *RunError.
func (o *Orchestrator) Run(ctx context.Context, job core.Job) (runErr error) {
	start := time.Now()
	report := Report{ConversationID: job.ConversationID, UserMessageID: job.UserMessageID}

	defer func() {
		if recovered := recover(); recovered != nil {
			report.Outcome = OutcomeAborted
			runErr = &RunError{
				Stage:     StagePanic,
				MessageID: job.UserMessageID,
				Err:       fmt.Errorf("%w: %v", ErrPanic, recovered),
			}

			if report.AssistantID != 0 {
				_ = o.finalize(ctx, report.AssistantID, "", false)
			}
		}

		report.Elapsed = time.Since(start)

		var typed *RunError
		if errors.As(runErr, &typed) {
			report.Err = typed
			o.log.Error("Pipeline: conversation %d message %d ended %s: %v",
				job.ConversationID, job.UserMessageID, report.Outcome, typed)
		} else {
			o.log.Info("Pipeline: conversation %d message %d ended %s in %s",
				job.ConversationID, job.UserMessageID, report.Outcome, report.Elapsed.Round(time.Millisecond))
		}

		o.observer.RunFinished(report)
	}()

	return o.run(ctx, job, &report)
}

type runContext struct {
	persona core.Persona
	user    core.Message
}

func (o *Orchestrator) run(ctx context.Context, job core.Job, report *Report) error {
	report.Outcome = OutcomeAborted

	rc, loadErr := o.loadContext(ctx, job)
	if loadErr != nil {
		return &RunError{Stage: StageContext, MessageID: job.UserMessageID, Err: loadErr}
	}

	existing, found, findErr := o.findReply(ctx, rc.user.ID)
	if findErr != nil {
		return &RunError{Stage: StageContext, MessageID: rc.user.ID, Err: findErr}
	}

	if found {
		return o.resume(ctx, rc, existing, report)
	}

	userText, transcribeErr := o.ensureTranscript(ctx, job, rc.user)
	if transcribeErr != nil {
		return transcribeErr
	}

	reply := o.generate(ctx, rc.persona, userText)

	assistantID, createErr := o.store.CreateMessage(ctx, core.Message{
		ConversationID: rc.user.ConversationID,
		Role:           core.RoleAssistant,
		ContentText:    core.Ptr(reply.Content),
		Analysis:       &core.Analysis{Tone: reply.Tone, Degraded: reply.Degraded},
		Status:         core.StatusProcessing,
		ReplyToID:      core.Ptr(rc.user.ID),
	})
	if errors.Is(createErr, core.ErrDuplicateReply) {
		existing, found, findErr = o.findReply(ctx, rc.user.ID)
		if findErr != nil || !found {
			return &RunError{Stage: StagePersist, MessageID: rc.user.ID, Err: createErr}
		}

		return o.resume(ctx, rc, existing, report)
	}

	if createErr != nil {
		return &RunError{Stage: StagePersist, MessageID: rc.user.ID, Err: createErr}
	}

	report.AssistantID = assistantID
	report.Degraded = reply.Degraded

	return o.synthesize(ctx, rc.persona, assistantID, reply.Content, report)
}

func (o *Orchestrator) loadContext(ctx context.Context, job core.Job) (runContext, error) {
	conversation, convErr := o.store.LoadConversation(ctx, job.ConversationID)
	if convErr != nil {
		return runContext{}, convErr
	}

	persona, personaErr := o.store.LoadPersona(ctx, conversation.PersonaID)
	if personaErr != nil {
		return runContext{}, personaErr
	}

	user, msgErr := o.store.LoadMessage(ctx, job.UserMessageID)
	if msgErr != nil {
		return runContext{}, msgErr
	}

	if user.ConversationID != conversation.ID || user.Role != core.RoleUser {
		return runContext{}, fmt.Errorf("%w: message %d in conversation %d",
			ErrJobMismatch, user.ID, conversation.ID)
	}

	return runContext{persona: persona, user: user}, nil
}

func (o *Orchestrator) findReply(ctx context.Context, userMessageID uint) (core.Message, bool, error) {
	reply, err := o.store.FindReply(ctx, userMessageID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Message{}, false, nil
	}

	if err != nil {
		return core.Message{}, false, err
	}

	return reply, true, nil
}

// resume continues a run whose assistant message already exists.
func (o *Orchestrator) resume(ctx context.Context, rc runContext, existing core.Message, report *Report) error {
	report.AssistantID = existing.ID
	report.Resumed = true
	report.Degraded = existing.Analysis != nil && existing.Analysis.Degraded

	if existing.Status.IsTerminal() {
		report.Outcome = OutcomeSkipped

		return nil
	}

	content := ""
	if existing.ContentText != nil {
		content = *existing.ContentText
	}

	o.log.Info("Pipeline: resuming synthesis for assistant message %d", existing.ID)

	return o.synthesize(ctx, rc.persona, existing.ID, content, report)
}

// ensureTranscript returns the user's text, transcribing and persisting it first
// when the message does not carry any yet.
func (o *Orchestrator) ensureTranscript(ctx context.Context, job core.Job, user core.Message) (string, error) {
	if user.ContentText != nil && *user.ContentText != "" {
		return *user.ContentText, nil
	}

	key := job.AudioKey
	if key == "" && user.AudioURL != nil {
		key = path.Base(*user.AudioURL)
	}

	if key == "" {
		return "", &RunError{Stage: StageContext, MessageID: user.ID, Err: ErrNoAudio}
	}

	started := time.Now()

	sttCtx, cancel := context.WithTimeout(ctx, o.opts.STTTimeout)
	defer cancel()

	data, downloadErr := o.audio.Download(sttCtx, key)
	if downloadErr != nil {
		return "", &RunError{
			Stage:     StageTranscription,
			MessageID: user.ID,
			Err:       fmt.Errorf("%w: reading %s: %w", core.ErrTranscription, key, downloadErr),
		}
	}

	text, transcribeErr := o.transcriber.Transcribe(sttCtx, core.AudioClip{Key: key, Data: data})
	o.observer.StageFinished(StageTranscription, time.Since(started))

	if transcribeErr != nil {
		return "", &RunError{Stage: StageTranscription, MessageID: user.ID, Err: transcribeErr}
	}

	updateErr := o.store.UpdateMessage(ctx, user.ID, core.MessageUpdate{ContentText: core.Ptr(text)})
	if updateErr != nil {
		return "", &RunError{Stage: StagePersist, MessageID: user.ID, Err: updateErr}
	}

	return text, nil
}

func (o *Orchestrator) generate(ctx context.Context, persona core.Persona, userText string) core.Reply {
	started := time.Now()

	llmCtx, cancel := context.WithTimeout(ctx, o.opts.LLMTimeout)
	defer cancel()

	reply := o.generator.Generate(llmCtx, BuildSystemPrompt(persona), userText)
	o.observer.StageFinished(StageGeneration, time.Since(started))

	if reply.Degraded {
		o.log.Warn("Pipeline: reply for persona %d is the fallback reply", persona.ID)
	}

	return reply
}

func (o *Orchestrator) synthesize(
	ctx context.Context,
	persona core.Persona,
	assistantID uint,
	content string,
	report *Report,
) error {
	started := time.Now()
	outputKey := fmt.Sprintf(replyKeyFormat, assistantID, uuid.NewString())

	ttsCtx, cancel := context.WithTimeout(ctx, o.opts.TTSTimeout)
	ok := o.speaker.Synthesize(ttsCtx, content, ResolveVoice(persona, o.opts.DefaultVoice), outputKey)

	cancel()
	o.observer.StageFinished(StageSynthesis, time.Since(started))

	finalizeErr := o.finalize(ctx, assistantID, outputKey, ok)
	if finalizeErr != nil {
		return &RunError{Stage: StagePersist, MessageID: assistantID, Err: finalizeErr}
	}

	if !ok {
		report.Outcome = OutcomeFailed

		return &RunError{
			Stage:     StageSynthesis,
			MessageID: assistantID,
			Err:       fmt.Errorf("%w: placeholder written to %s", ErrSynthesisFailed, outputKey),
		}
	}

	report.Outcome = OutcomeCompleted

	return nil
}

// finalize writes the terminal state. It runs detached from ctx so a cancelled
// run still leaves no message in processing.
func (o *Orchestrator) finalize(ctx context.Context, assistantID uint, outputKey string, ok bool) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	update := core.MessageUpdate{Status: core.Ptr(core.StatusFailed)}
	if ok {
		update = core.MessageUpdate{
			AudioURL: core.Ptr(objectstore.PublicURL(o.opts.PublicAudioPrefix, outputKey)),
			Status:   core.Ptr(core.StatusCompleted),
		}
	}

	err := o.store.UpdateMessage(persistCtx, assistantID, update)
	if err != nil {
		o.log.Error("Pipeline: failed to finalize assistant message %d: %v", assistantID, err)
	}

	return err
}
