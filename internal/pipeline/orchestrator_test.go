package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/audio"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/book-expert/voice-reply-service/internal/pipeline"
	"github.com/book-expert/voice-reply-service/internal/reply"
	"github.com/book-expert/voice-reply-service/internal/store"
	"github.com/book-expert/voice-reply-service/internal/stt"
	"github.com/book-expert/voice-reply-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userAudioKey = "msg_1_test.wav"

type fixture struct {
	store    *store.Store
	audio    *objectstore.FileStore
	audioDir string
	log      *logger.Logger
	persona  core.Persona
	conv     core.Conversation
	userMsg  uint
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	log, err := logger.New(dir, "pipeline-test.log")
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(dir, "voice.db"), log)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		_ = log.Close()
	})

	audioDir := filepath.Join(dir, "audio")

	files, err := objectstore.NewFileStore(audioDir)
	require.NoError(t, err)

	ctx := context.Background()

	persona, err := s.CreatePersona(ctx, core.Persona{
		CreatorID:        "user-1",
		Name:             "Grandma",
		Relationship:     "grandmother",
		UserCalledBy:     "sweetie",
		PersonaCalledBy:  "Grandma",
		VoiceFilePath:    "/srv/voices/grandma.wav",
		VoiceModelStatus: core.VoiceReady,
		LegalConfirmed:   true,
	})
	require.NoError(t, err)

	conv, err := s.GetOrCreateConversation(ctx, "user-1", persona.ID)
	require.NoError(t, err)

	require.NoError(t, files.Upload(ctx, userAudioKey, audio.SilentWAV(5*time.Second)))

	userMsg, err := s.CreateMessage(ctx, core.Message{
		ConversationID: conv.ID,
		Role:           core.RoleUser,
		AudioURL:       core.Ptr(objectstore.PublicURL("/static/audio", userAudioKey)),
		Status:         core.StatusCompleted,
	})
	require.NoError(t, err)

	return &fixture{
		store:    s,
		audio:    files,
		audioDir: audioDir,
		log:      log,
		persona:  persona,
		conv:     conv,
		userMsg:  userMsg,
		observer: &recordingObserver{},
	}
}

func (f *fixture) job() core.Job {
	return core.Job{ConversationID: f.conv.ID, UserMessageID: f.userMsg, AudioKey: userAudioKey}
}

func (f *fixture) orchestrator(t *testing.T, transcriber core.Transcriber, generator core.ReplyGenerator, speaker core.Speaker) *pipeline.Orchestrator {
	t.Helper()

	orch, err := pipeline.New(pipeline.Deps{
		Store:       f.store,
		Audio:       f.audio,
		Transcriber: transcriber,
		Generator:   generator,
		Speaker:     speaker,
		Observer:    f.observer,
		Log:         f.log,
	}, pipeline.Options{
		PublicAudioPrefix: "/static/audio",
		STTTimeout:        5 * time.Second,
		LLMTimeout:        5 * time.Second,
		TTSTimeout:        5 * time.Second,
	})
	require.NoError(t, err)

	return orch
}

func (f *fixture) replyFiles(t *testing.T, assistantID uint) []string {
	t.Helper()

	entries, err := os.ReadDir(f.audioDir)
	require.NoError(t, err)

	prefix := "reply_" + strconv.FormatUint(uint64(assistantID), 10) + "_"

	var names []string

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}

	return names
}

type recordingObserver struct {
	mu      sync.Mutex
	reports []pipeline.Report
	stages  []pipeline.Stage
}

func (r *recordingObserver) StageFinished(stage pipeline.Stage, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stages = append(r.stages, stage)
}

func (r *recordingObserver) RunFinished(report pipeline.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, report)
}

func (r *recordingObserver) last(t *testing.T) pipeline.Report {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	require.NotEmpty(t, r.reports)

	return r.reports[len(r.reports)-1]
}

type countingTranscriber struct {
	calls atomic.Int32
	err   error
}

func (c *countingTranscriber) Transcribe(context.Context, core.AudioClip) (string, error) {
	c.calls.Add(1)

	if c.err != nil {
		return "", c.err
	}

	return stt.MockTranscript, nil
}

type countingGenerator struct {
	calls atomic.Int32
	reply core.Reply
}

func (c *countingGenerator) Generate(context.Context, string, string) core.Reply {
	c.calls.Add(1)

	return c.reply
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, string, string) core.Reply {
	panic("model exploded")
}

type voiceRecorder struct {
	core.Speaker
	mu     sync.Mutex
	voices []string
}

func (v *voiceRecorder) Synthesize(ctx context.Context, text, voiceRef, outputKey string) bool {
	v.mu.Lock()
	v.voices = append(v.voices, voiceRef)
	v.mu.Unlock()

	return v.Speaker.Synthesize(ctx, text, voiceRef, outputKey)
}

func newTTSServer(t *testing.T, handler http.HandlerFunc) *tts.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return tts.NewClient(server.URL, 5*time.Second)
}

func TestRun_MockProvidersCompleteReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	speaker := &voiceRecorder{Speaker: tts.NewMockSpeaker(f.audio, f.log)}
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, speaker)

	require.NoError(t, orch.Run(context.Background(), f.job()))

	user, err := f.store.LoadMessage(context.Background(), f.userMsg)
	require.NoError(t, err)
	require.NotNil(t, user.ContentText)
	assert.Equal(t, stt.MockTranscript, *user.ContentText)

	assistant, err := f.store.FindReply(context.Background(), f.userMsg)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, assistant.Status)
	require.NotNil(t, assistant.ContentText)
	assert.NotEmpty(t, *assistant.ContentText)
	require.NotNil(t, assistant.Analysis)
	assert.Equal(t, "gentle", assistant.Analysis.Tone)
	assert.False(t, assistant.Analysis.Degraded)
	require.NotNil(t, assistant.AudioURL)
	assert.True(t, strings.HasPrefix(*assistant.AudioURL, "/static/audio/reply_"))

	stored, err := f.audio.Download(context.Background(), filepath.Base(*assistant.AudioURL))
	require.NoError(t, err)

	_, inspectErr := audio.Inspect(stored)
	require.NoError(t, inspectErr)

	assert.Equal(t, []string{"/srv/voices/grandma.wav"}, speaker.voices)

	report := f.observer.last(t)
	assert.Equal(t, pipeline.OutcomeCompleted, report.Outcome)
	assert.Equal(t, assistant.ID, report.AssistantID)
	assert.Nil(t, report.Err)
	assert.ElementsMatch(t,
		[]pipeline.Stage{pipeline.StageTranscription, pipeline.StageGeneration, pipeline.StageSynthesis},
		f.observer.stages)
}

func TestRun_SpeakerServerErrorFailsReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	client := newTTSServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gpu on fire", http.StatusInternalServerError)
	})
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewHTTPSpeaker(client, f.audio, f.log))

	err := orch.Run(context.Background(), f.job())

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, pipeline.StageSynthesis, runErr.Stage)
	require.ErrorIs(t, err, pipeline.ErrSynthesisFailed)

	assistant, findErr := f.store.FindReply(context.Background(), f.userMsg)
	require.NoError(t, findErr)
	assert.Equal(t, core.StatusFailed, assistant.Status)
	assert.Nil(t, assistant.AudioURL)
	require.NotNil(t, assistant.ContentText)
	assert.NotEmpty(t, *assistant.ContentText)
	require.NotNil(t, assistant.Analysis)
	assert.Equal(t, "gentle", assistant.Analysis.Tone)

	placeholders := f.replyFiles(t, assistant.ID)
	require.Len(t, placeholders, 1)

	data, readErr := f.audio.Download(context.Background(), placeholders[0])
	require.NoError(t, readErr)
	assert.Equal(t, audio.SilentWAV(audio.PlaceholderDuration), data)

	assert.Equal(t, pipeline.OutcomeFailed, f.observer.last(t).Outcome)
}

func TestRun_SpeakerJSONBodyTreatedAsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	client := newTTSServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "something wrong"}`))
	})
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewHTTPSpeaker(client, f.audio, f.log))

	require.ErrorIs(t, orch.Run(context.Background(), f.job()), pipeline.ErrSynthesisFailed)

	assistant, err := f.store.FindReply(context.Background(), f.userMsg)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, assistant.Status)
	assert.Nil(t, assistant.AudioURL)
	assert.Len(t, f.replyFiles(t, assistant.ID), 1)
}

func TestRun_TranscriptionFailureCreatesNoReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	transcriber := &countingTranscriber{err: errors.Join(core.ErrTranscription, errors.New("connection reset"))}
	generator := &countingGenerator{reply: core.Reply{Tone: "warm", Content: "hi"}}
	orch := f.orchestrator(t, transcriber, generator, tts.NewMockSpeaker(f.audio, f.log))

	err := orch.Run(context.Background(), f.job())

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, pipeline.StageTranscription, runErr.Stage)
	require.ErrorIs(t, err, core.ErrTranscription)

	_, findErr := f.store.FindReply(context.Background(), f.userMsg)
	require.ErrorIs(t, findErr, core.ErrNotFound)

	user, loadErr := f.store.LoadMessage(context.Background(), f.userMsg)
	require.NoError(t, loadErr)
	assert.Nil(t, user.ContentText)
	assert.Zero(t, generator.calls.Load())
	assert.Equal(t, pipeline.OutcomeAborted, f.observer.last(t).Outcome)
}

func TestRun_MissingAudioIsTranscriptionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewMockSpeaker(f.audio, f.log))

	job := f.job()
	job.AudioKey = "msg_1_gone.wav"

	err := orch.Run(context.Background(), job)
	require.ErrorIs(t, err, core.ErrTranscription)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRun_DegradedReplyIsFlagged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	orch := f.orchestrator(t, stt.Mock{}, &countingGenerator{reply: reply.Fallback()}, tts.NewMockSpeaker(f.audio, f.log))

	require.NoError(t, orch.Run(context.Background(), f.job()))

	assistant, err := f.store.FindReply(context.Background(), f.userMsg)
	require.NoError(t, err)
	require.NotNil(t, assistant.Analysis)
	assert.True(t, assistant.Analysis.Degraded)
	assert.Equal(t, reply.FallbackTone, assistant.Analysis.Tone)
	assert.True(t, f.observer.last(t).Degraded)
}

func TestRun_RedeliveryAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	transcriber := &countingTranscriber{}
	generator := &countingGenerator{reply: core.Reply{Tone: "warm", Content: "Hello sweetie"}}
	orch := f.orchestrator(t, transcriber, generator, tts.NewMockSpeaker(f.audio, f.log))

	require.NoError(t, orch.Run(context.Background(), f.job()))
	require.NoError(t, orch.Run(context.Background(), f.job()))

	assert.Equal(t, int32(1), transcriber.calls.Load())
	assert.Equal(t, int32(1), generator.calls.Load())

	history, err := f.store.ListMessages(context.Background(), f.conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, pipeline.OutcomeSkipped, f.observer.last(t).Outcome)
}

func TestRun_ResumesProcessingReplyAtSynthesis(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateMessage(ctx, f.userMsg, core.MessageUpdate{ContentText: core.Ptr("hello")}))

	assistantID, err := f.store.CreateMessage(ctx, core.Message{
		ConversationID: f.conv.ID,
		Role:           core.RoleAssistant,
		ContentText:    core.Ptr("Hello sweetie"),
		Analysis:       &core.Analysis{Tone: "warm"},
		Status:         core.StatusProcessing,
		ReplyToID:      core.Ptr(f.userMsg),
	})
	require.NoError(t, err)

	transcriber := &countingTranscriber{}
	generator := &countingGenerator{}
	orch := f.orchestrator(t, transcriber, generator, tts.NewMockSpeaker(f.audio, f.log))

	require.NoError(t, orch.Run(ctx, f.job()))

	assert.Zero(t, transcriber.calls.Load())
	assert.Zero(t, generator.calls.Load())

	assistant, err := f.store.LoadMessage(ctx, assistantID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, assistant.Status)
	assert.Equal(t, "Hello sweetie", *assistant.ContentText)
	assert.True(t, f.observer.last(t).Resumed)
}

func TestRun_ExistingTranscriptIsNotRetranscribed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateMessage(ctx, f.userMsg, core.MessageUpdate{ContentText: core.Ptr("already heard")}))

	transcriber := &countingTranscriber{}
	orch := f.orchestrator(t, transcriber, reply.Mock{}, tts.NewMockSpeaker(f.audio, f.log))

	require.NoError(t, orch.Run(ctx, f.job()))
	assert.Zero(t, transcriber.calls.Load())

	assistant, err := f.store.FindReply(ctx, f.userMsg)
	require.NoError(t, err)
	assert.Contains(t, *assistant.ContentText, "already heard")
}

func TestRun_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	orch := f.orchestrator(t, stt.Mock{}, panickingGenerator{}, tts.NewMockSpeaker(f.audio, f.log))

	var err error

	require.NotPanics(t, func() {
		err = orch.Run(context.Background(), f.job())
	})

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, pipeline.StagePanic, runErr.Stage)
	require.ErrorIs(t, err, pipeline.ErrPanic)

	_, findErr := f.store.FindReply(context.Background(), f.userMsg)
	require.ErrorIs(t, findErr, core.ErrNotFound)
}

func TestRun_UnknownConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewMockSpeaker(f.audio, f.log))

	err := orch.Run(context.Background(), core.Job{ConversationID: 9999, UserMessageID: f.userMsg})

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, pipeline.StageContext, runErr.Stage)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRun_MismatchedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.GetOrCreateConversation(ctx, "user-2", f.persona.ID)
	require.NoError(t, err)

	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewMockSpeaker(f.audio, f.log))

	runErr := orch.Run(ctx, core.Job{ConversationID: other.ID, UserMessageID: f.userMsg})
	require.ErrorIs(t, runErr, pipeline.ErrJobMismatch)
}

func TestRun_ConcurrentRunsProduceOneReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	orch := f.orchestrator(t, stt.Mock{}, reply.Mock{}, tts.NewMockSpeaker(f.audio, f.log))

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = orch.Run(context.Background(), f.job())
		}()
	}

	wg.Wait()

	history, err := f.store.ListMessages(context.Background(), f.conv.ID, 0)
	require.NoError(t, err)

	var replies int

	for _, msg := range history {
		if msg.Role == core.RoleAssistant {
			replies++

			assert.True(t, msg.Status.IsTerminal())
		}
	}

	assert.Equal(t, 1, replies)
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Deps{}, pipeline.Options{})
	require.ErrorIs(t, err, pipeline.ErrMissingDependency)
}
