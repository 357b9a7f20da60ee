package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/merr"
)

// maxImageUploadBytes bounds the multipart body accepted by
// /image_to_latex; a request past this limit is rejected before any of it
// is buffered into memory.
const maxImageUploadBytes = 10 << 20

type chatRequest struct {
	SessionID *int64 `json:"session_id,omitempty"`
	Message   string `json:"message"`

	// Image optionally references an uploaded image (from /image_to_latex)
	// to attach to the question.
	Image string `json:"image,omitempty"`
}

type clarificationRequest struct {
	SessionID int64  `json:"session_id"`
	Answer    string `json:"clarification_answer"`
	Index     int    `json:"question_index"`
	Total     int    `json:"total_questions"`
}

// imageToLatexResponse is the one-shot JSON body returned by
// /image_to_latex: unlike /chat and /clarification it never opens an SSE
// stream, since a single image converts to a single LaTeX result with no
// intermediate events worth reporting.
type imageToLatexResponse struct {
	Latex       string `json:"latex"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Success     bool   `json:"success"`
}

type createSessionRequest struct {
	FreeTalk bool `json:"free_talk"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeErr(w, merr.NewValidation("message is required").WithOperation("api.handleChat"))
		return
	}
	userID := userIDFrom(r)

	// Create the session ahead of admission so the stream can announce
	// session_created with a concrete id before the first agent event.
	var sessionID int64
	created := false
	if req.SessionID == nil {
		newID, err := s.sessions.Create(r.Context(), userID, false, "")
		if err != nil {
			writeErr(w, err)
			return
		}
		sessionID = newID
		created = true
	} else {
		sessionID = *req.SessionID
	}

	requestID, _, agent, err := s.orch.AdmitQuestion(r.Context(), userID, &sessionID, req.Message, req.Image)
	if err != nil {
		s.streamAdmissionError(w, r, sessionID, err)
		return
	}
	s.logger.WithField("agent", agent).WithField("session_id", sessionID).Debug("api: question admitted")
	s.streamResponse(w, r, sessionID, requestID, created)
}

func (s *Server) handleClarification(w http.ResponseWriter, r *http.Request) {
	var req clarificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		writeErr(w, merr.NewValidation("answer is required").WithOperation("api.handleClarification"))
		return
	}
	userID := userIDFrom(r)

	requestID, _, err := s.orch.AdmitClarificationAnswer(r.Context(), userID, req.SessionID, req.Answer, req.Index, req.Total)
	if err != nil {
		s.streamAdmissionError(w, r, req.SessionID, err)
		return
	}
	s.streamResponse(w, r, req.SessionID, requestID, false)
}

func (s *Server) handleImageToLatex(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageUploadBytes)
	if err := r.ParseMultipartForm(maxImageUploadBytes); err != nil {
		writeErr(w, merr.NewValidation("a multipart file upload is required").WithOperation("api.handleImageToLatex"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, merr.NewValidation("file field is required").WithOperation("api.handleImageToLatex"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, merr.NewValidation("failed to read uploaded file").WithOperation("api.handleImageToLatex"))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	latex, err := s.convertImageToLatex(r.Context(), header.Filename, data)
	if err != nil {
		s.logger.WithError(err).WithField("filename", header.Filename).Warn("api: image-to-latex conversion failed")
	}

	writeJSON(w, http.StatusOK, imageToLatexResponse{
		Latex:       latex,
		Filename:    header.Filename,
		FileSize:    int64(len(data)),
		ContentType: contentType,
		Success:     err == nil,
	})
}

const imageToLatexPrompt = `Transcribe the handwritten or printed math in the attached image into LaTeX. ` +
	`Reply with the LaTeX source only, no surrounding commentary.

Filename: %s
Image size: %d bytes`

// convertImageToLatex runs the transcription prompt through the shared
// model collaborator and drains its stream into a single LaTeX string.
// The deterministic local model has no real vision capability — this
// call site exists so a real provider's multimodal path has somewhere to
// plug in.
func (s *Server) convertImageToLatex(ctx context.Context, filename string, data []byte) (string, error) {
	prompt := fmt.Sprintf(imageToLatexPrompt, filename, len(data))
	stream, err := s.model.GenerateStream(ctx, prompt, nil, 512)
	if err != nil {
		return "", merr.NewTransient("api.convertImageToLatex", err)
	}
	return drainStream(ctx, stream)
}

func drainStream(ctx context.Context, ch <-chan llm.Chunk) (string, error) {
	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", merr.NewTransient("api.drainStream", chunk.Err)
		}
		select {
		case <-ctx.Done():
			return "", merr.NewCancelled("api.drainStream")
		default:
		}
		b.WriteString(chunk.Content)
	}
	return b.String(), nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	userID := userIDFrom(r)

	sessionID, err := s.sessions.Create(r.Context(), userID, req.FreeTalk, "")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.ResponseEvent{Type: domain.EventSessionCreated, SessionID: sessionID})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeErr(w, merr.NewValidation("invalid session id").WithOperation("api.handleCloseSession"))
		return
	}
	if err := s.sessions.Close(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamResponse opens a StreamingPipeline subscription for requestID and
// forwards each reassembled ResponseEvent to the client as an SSE event
// named after its type, closing the connection once a complete or error
// event is delivered or the client disconnects. The stream opens with a
// connected event, followed by session_created when this request
// allocated the session.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, sessionID int64, requestID string, created bool) {
	ctx := r.Context()

	events, cancel, err := s.pipeline.Open(ctx, sessionID, requestID)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer cancel()

	session, err := sse.Upgrade(w, r)
	if err != nil {
		writeErr(w, merr.NewTransient("api.streamResponse", err))
		return
	}

	if err := sendEvent(session, domain.ResponseEvent{Type: domain.EventConnected, SessionID: sessionID, RequestID: requestID}); err != nil {
		return
	}
	if created {
		if err := sendEvent(session, domain.ResponseEvent{Type: domain.EventSessionCreated, SessionID: sessionID, RequestID: requestID}); err != nil {
			return
		}
	}

	// The pipeline closes the channel after delivering the terminal
	// complete/error event; a non-terminal gap warning also has type
	// error, so channel closure is the only end-of-stream signal here.
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sendEvent(session, ev); err != nil {
				return
			}
		}
	}
}

// streamAdmissionError surfaces an admission failure (busy, rate limit,
// unknown session) in the stream shape the client is already reading:
// error{code} followed by complete.
func (s *Server) streamAdmissionError(w http.ResponseWriter, r *http.Request, sessionID int64, admitErr error) {
	session, err := sse.Upgrade(w, r)
	if err != nil {
		writeErr(w, admitErr)
		return
	}
	_ = sendEvent(session, domain.ResponseEvent{
		Type: domain.EventError, SessionID: sessionID,
		ErrorCode: string(merr.GetCode(admitErr)), ErrorMessage: admitErr.Error(),
	})
	_ = sendEvent(session, domain.ResponseEvent{Type: domain.EventComplete, SessionID: sessionID})
}

func sendEvent(session *sse.Session, ev domain.ResponseEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(payload))
	msg.Type = sse.Type(string(ev.Type))
	if err := session.Send(msg); err != nil {
		return err
	}
	return session.Flush()
}
