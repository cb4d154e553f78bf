package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/audio"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/gorilla/mux"
)

const (
	// UserIDHeader carries the caller's identity, set by the fronting gateway.
	UserIDHeader = "X-User-ID"

	uploadField       = "file"
	multipartOverhead = 1 << 20
	maxJSONBody       = 64 << 10
	maxMemory         = 8 << 20
)

type errorBody struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

type handler struct {
	svc   *Service
	audio core.AudioStore
	log   *logger.Logger
}

// NewRouter registers the HTTP routes. metrics may be nil.
func NewRouter(svc *Service, audioStore core.AudioStore, metrics http.Handler, log *logger.Logger) *mux.Router {
	h := &handler{svc: svc, audio: audioStore, log: log}
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	// Personas
	api.HandleFunc("/personas", h.createPersona).Methods(http.MethodPost)
	api.HandleFunc("/personas", h.listPersonas).Methods(http.MethodGet)
	api.HandleFunc("/personas/{id:[0-9]+}/voice", h.uploadVoice).Methods(http.MethodPost)

	// Conversations with one persona
	api.HandleFunc("/conversations/{persona_id:[0-9]+}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{persona_id:[0-9]+}/send", h.send).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{persona_id:[0-9]+}", h.resetConversation).Methods(http.MethodDelete)

	r.HandleFunc("/static/audio/{key}", h.serveAudio).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	r.Use(h.logRequests)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ingressErr *Error
	if !errors.As(err, &ingressErr) {
		ingressErr = newError(ErrorInternal, "internal error", err)
	}

	status := ingressErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.Error("HTTP %s %s: %v", r.Method, r.URL.Path, err)
	}

	writeJSON(w, status, errorBody{Error: ingressErr.Reason, Code: ingressErr.Code})
}

func pathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil || id == 0 {
		return 0, newError(ErrorInvalidInput, "invalid "+name, err)
	}

	return uint(id), nil
}

// readUpload reads the multipart file field, enforcing the upload size limit.
func (h *handler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	limit := h.svc.opts.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(limit)+multipartOverhead)
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, newError(ErrorTooLarge, "upload is too large", err)
		}

		return "", nil, newError(ErrorInvalidInput, "multipart field \"file\" is required", err)
	}

	defer func() { _ = file.Close() }()

	data, readErr := io.ReadAll(file)
	if readErr != nil {
		return "", nil, newError(ErrorInvalidInput, "failed to read upload", readErr)
	}

	return header.Filename, data, nil
}

func (h *handler) createPersona(w http.ResponseWriter, r *http.Request) {
	var in PersonaInput

	decodeErr := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&in)
	if decodeErr != nil {
		h.writeError(w, r, newError(ErrorInvalidInput, "invalid json", decodeErr))

		return
	}

	persona, err := h.svc.CreatePersona(r.Context(), r.Header.Get(UserIDHeader), in)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, persona)
}

func (h *handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := h.svc.ListPersonas(r.Context(), r.Header.Get(UserIDHeader))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, personas)
}

func (h *handler) uploadVoice(w http.ResponseWriter, r *http.Request) {
	personaID, idErr := pathID(r, "id")
	if idErr != nil {
		h.writeError(w, r, idErr)

		return
	}

	filename, data, readErr := h.readUpload(w, r)
	if readErr != nil {
		h.writeError(w, r, readErr)

		return
	}

	persona, err := h.svc.UploadVoiceSample(r.Context(), r.Header.Get(UserIDHeader), personaID, filename, data)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, persona)
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	personaID, idErr := pathID(r, "persona_id")
	if idErr != nil {
		h.writeError(w, r, idErr)

		return
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			h.writeError(w, r, newError(ErrorInvalidInput, "limit must be an integer", parseErr))

			return
		}

		limit = parsed
	}

	messages, err := h.svc.ListMessages(r.Context(), r.Header.Get(UserIDHeader), personaID, limit)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	personaID, idErr := pathID(r, "persona_id")
	if idErr != nil {
		h.writeError(w, r, idErr)

		return
	}

	filename, data, readErr := h.readUpload(w, r)
	if readErr != nil {
		h.writeError(w, r, readErr)

		return
	}

	msg, err := h.svc.Submit(r.Context(), SubmitRequest{
		UserID:    r.Header.Get(UserIDHeader),
		PersonaID: personaID,
		Filename:  filename,
		Audio:     data,
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func (h *handler) resetConversation(w http.ResponseWriter, r *http.Request) {
	personaID, idErr := pathID(r, "persona_id")
	if idErr != nil {
		h.writeError(w, r, idErr)

		return
	}

	err := h.svc.ResetConversation(r.Context(), r.Header.Get(UserIDHeader), personaID)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) serveAudio(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	keyErr := objectstore.ValidateKey(key)
	if keyErr != nil {
		h.writeError(w, r, newError(ErrorNotFound, "audio not found", keyErr))

		return
	}

	data, err := h.audio.Download(r.Context(), key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			h.writeError(w, r, newError(ErrorNotFound, "audio not found", err))

			return
		}

		h.writeError(w, r, newError(ErrorInternal, "failed to read audio", err))

		return
	}

	w.Header().Set("Content-Type", audio.ContentTypeForKey(key))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}

		h.log.Info("HTTP %s %s -> %d in %s", r.Method, r.URL.Path, recorder.status,
			time.Since(started).Round(time.Millisecond))
	})
}
