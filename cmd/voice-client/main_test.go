package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/ingress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want appFlags
	}{
		{
			name: "defaults",
			args: nil,
			want: appFlags{server: defaultServer, limit: defaultLimit, wait: defaultWait, output: "."},
		},
		{
			name: "send",
			args: []string{"--user", "u1", "--persona", "7", "--send", "hello.wav", "--wait", "5s"},
			want: appFlags{
				server: defaultServer, user: "u1", persona: 7, send: "hello.wav",
				limit: defaultLimit, wait: 5 * time.Second, output: ".",
			},
		},
		{
			name: "history",
			args: []string{"--user", "u1", "--persona", "3", "--history", "--limit", "10", "--server", "http://svc:9000"},
			want: appFlags{
				server: "http://svc:9000", user: "u1", persona: 3, history: true,
				limit: 10, wait: defaultWait, output: ".",
			},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fs := flag.NewFlagSet("voice-client", flag.ContinueOnError)

			got, err := parseFlags(fs, testCase.args)
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestParseFlags_RejectsBadPersona(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})

	_, err := parseFlags(fs, []string{"--persona", "abc"})
	require.Error(t, err)
}

func TestArgumentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "no action", flags: appFlags{user: "u1", persona: 1}, wantErr: errMissingAction},
		{name: "both actions", flags: appFlags{user: "u1", persona: 1, send: "a.wav", history: true}, wantErr: errBothActions},
		{name: "no user", flags: appFlags{persona: 1, history: true}, wantErr: errMissingUser},
		{name: "no persona", flags: appFlags{user: "u1", send: "a.wav"}, wantErr: errMissingPerson},
		{name: "send", flags: appFlags{user: "u1", persona: 1, send: "a.wav"}},
		{name: "history", flags: appFlags{user: "u1", persona: 1, history: true}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateArguments(testCase.flags)
			if testCase.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

// fakeService answers like the service: the reply appears after a few polls.
type fakeService struct {
	polls   atomic.Int32
	userIDs chan string
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/conversations/4/send", func(w http.ResponseWriter, r *http.Request) {
		f.userIDs <- r.Header.Get(ingress.UserIDHeader)

		_, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		writeTestJSON(w, core.Message{ID: 10, Role: core.RoleUser, Status: core.StatusCompleted})
	})

	mux.HandleFunc("GET /api/v1/conversations/4/messages", func(w http.ResponseWriter, _ *http.Request) {
		messages := []core.Message{{ID: 10, Role: core.RoleUser, Status: core.StatusCompleted}}

		if f.polls.Add(1) >= 3 {
			messages = append(messages, core.Message{
				ID:          11,
				Role:        core.RoleAssistant,
				Status:      core.StatusCompleted,
				ContentText: core.Ptr("Hello dear"),
				AudioURL:    core.Ptr("/static/audio/reply_11_x.wav"),
				Analysis:    &core.Analysis{Tone: "Warm"},
				ReplyToID:   core.Ptr(uint(10)),
			})
		}

		writeTestJSON(w, messages)
	})

	mux.HandleFunc("GET /static/audio/reply_11_x.wav", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFFdata"))
	})

	return mux
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "client-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestSendAndWait_SavesReplyAudio(t *testing.T) {
	t.Parallel()

	fake := &fakeService{userIDs: make(chan string, 1)}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	input := filepath.Join(dir, "hello.wav")
	require.NoError(t, os.WriteFile(input, []byte("RIFF"), 0o600))

	flags := appFlags{user: "u1", persona: 4, send: input, wait: 5 * time.Second, output: dir}
	client := newAPIClient(server.URL, flags.user, time.Second)

	var out bytes.Buffer

	// sendAndWait polls once per second; three polls are needed here.
	err := sendAndWait(client, newTestLogger(t), flags, &out)
	require.NoError(t, err)

	assert.Equal(t, "u1", <-fake.userIDs)
	assert.Contains(t, out.String(), "Sent message 10")
	assert.Contains(t, out.String(), "tone=Warm: Hello dear")

	saved, err := os.ReadFile(filepath.Join(dir, "reply_11_x.wav"))
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), saved)
}

func TestWaitForReply_GivesUp(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, []core.Message{{ID: 10, Role: core.RoleUser, Status: core.StatusCompleted}})
	}))
	t.Cleanup(server.Close)

	client := newAPIClient(server.URL, "u1", time.Second)

	_, err := waitForReply(context.Background(), client, 4, 10, 50*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, errNoReply)
}

func TestAPIClient_ReportsServiceErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		writeTestJSON(w, map[string]string{"error": "slow down", "code": "RATE_LIMITED"})
	}))
	t.Cleanup(server.Close)

	client := newAPIClient(server.URL, "u1", time.Second)

	_, err := client.history(context.Background(), 4, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "RATE_LIMITED")
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)

			return
		}

		writeTestJSON(w, map[string]string{"status": "ok"})
	}))
	t.Cleanup(server.Close)

	require.NoError(t, handleHealthCheck(newAPIClient(server.URL, "", time.Second), newTestLogger(t)))
}
