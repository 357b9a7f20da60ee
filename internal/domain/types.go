// Package domain holds the wire- and storage-level types shared across the
// bus, session store, orchestrator and agent packages. None of these types
// own any behavior beyond simple invariant checks; ownership of state lives
// in the package that mutates it (SessionStore owns Session/SessionMessage,
// MessageBus owns Request for the lifetime of delivery, StreamingPipeline
// owns ResponseEvent for the lifetime of one request).
package domain

import "time"

// Stage is the coarse state of a session, capturing which agent class is
// currently responsible for it.
type Stage string

const (
	StageInitial    Stage = "initial"
	StageClarifying Stage = "clarifying"
	StageAnswering  Stage = "answering"
	StageObserving  Stage = "observing"
	StageCompleted  Stage = "completed"
	StageFreepass   Stage = "freepass"
)

// MessageSender identifies who authored a SessionMessage.
type MessageSender string

const (
	SenderUser  MessageSender = "user"
	SenderMaice MessageSender = "maice"
)

// MessageType enumerates the recognized SessionMessage payload kinds.
type MessageType string

const (
	MessageUserQuestion             MessageType = "user_question"
	MessageUserClarificationAnswer  MessageType = "user_clarification_answer"
	MessageMaiceProcessing          MessageType = "maice_processing"
	MessageMaiceClarificationAsk    MessageType = "maice_clarification_question"
	MessageMaiceAnswer              MessageType = "maice_answer"
	MessageMaiceSummary             MessageType = "maice_summary"
	MessageSystem                   MessageType = "system"
	MessageInternal                 MessageType = "internal"
)

// Session is a long-lived conversation context between one user and the
// agent fleet. SessionStore is the sole writer of this type.
type Session struct {
	ID           int64     `json:"session_id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Title        string    `json:"title" db:"title"`
	CurrentStage Stage     `json:"current_stage" db:"current_stage"`
	LastMsgType  MessageType `json:"last_message_type" db:"last_message_type"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	IsActive     bool      `json:"is_active" db:"is_active"`

	// FreeTalk routes every message straight to the FreeTalker behavior,
	// bypassing the Classifier. Assigned per-user at session creation.
	FreeTalk bool `json:"free_talk" db:"free_talk"`
}

// SessionMessage is one ordered entry in a session's conversation log.
type SessionMessage struct {
	ID          int64         `json:"id" db:"id"`
	SessionID   int64         `json:"session_id" db:"session_id"`
	Sender      MessageSender `json:"sender" db:"sender"`
	Content     string        `json:"content" db:"content"`
	MessageType MessageType   `json:"message_type" db:"message_type"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// RequestKind enumerates the shapes of work a Request can carry.
type RequestKind string

const (
	RequestQuestion             RequestKind = "question"
	RequestClarificationAnswer  RequestKind = "clarification_response"
	RequestImageToLatex         RequestKind = "image_to_latex"
)

// Request is a unit of work flowing on the MessageBus. It is owned by the
// bus until an agent terminates it with a complete or error ResponseEvent.
type Request struct {
	RequestID  string      `json:"request_id"`
	SessionID  int64       `json:"session_id"`
	UserID     string      `json:"user_id"`
	Payload    string      `json:"payload"`
	ImageRef   string      `json:"image_ref,omitempty"`
	Kind       RequestKind `json:"kind"`
	EnqueuedAt time.Time   `json:"enqueued_at"`

	// ClarificationIndex/Total carry the clarification turn coordinates
	// for RequestClarificationAnswer payloads.
	ClarificationIndex int `json:"clarification_index,omitempty"`
	ClarificationTotal int `json:"clarification_total,omitempty"`
}

// Deadline returns the wall-clock instant after which agents must abort
// this request with a timeout error, per the request_timeout contract.
func (r Request) Deadline(requestTimeout time.Duration) time.Time {
	return r.EnqueuedAt.Add(requestTimeout)
}

// ResponseEventType enumerates the tagged variants the HTTP collaborator's
// event stream exposes. Values match the wire-level `type` field.
type ResponseEventType string

const (
	EventConnected             ResponseEventType = "connected"
	EventProcessing             ResponseEventType = "processing"
	EventClarification          ResponseEventType = "clarification"
	EventClarificationQuestion  ResponseEventType = "clarification_question"
	EventAnswer                 ResponseEventType = "answer"
	EventStreamingChunk          ResponseEventType = "streaming_chunk"
	EventStreamingComplete       ResponseEventType = "streaming_complete"
	EventAnswerComplete          ResponseEventType = "answer_complete"
	EventComplete                ResponseEventType = "complete"
	EventError                   ResponseEventType = "error"
	EventSessionStatus           ResponseEventType = "session_status"
	EventSessionCreated          ResponseEventType = "session_created"
	EventSessionInfo             ResponseEventType = "session_info"
	EventQuestionStatus          ResponseEventType = "question_status"
	EventSummaryComplete         ResponseEventType = "summary_complete"
)

// ResponseEvent is one entry in a per-session, per-request response stream.
// StreamingPipeline owns instances of this type for the lifetime of one
// request; it is discarded once delivered.
type ResponseEvent struct {
	Type ResponseEventType `json:"type"`

	SessionID int64  `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Stage     Stage  `json:"stage,omitempty"`

	// streaming_chunk fields.
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Content    string `json:"content,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`

	// clarification_question fields.
	QuestionIndex int    `json:"question_index,omitempty"`
	QuestionTotal int    `json:"question_total,omitempty"`
	Question      string `json:"question,omitempty"`

	// classifier verdict fields, carried on the processing event that
	// announces the routing decision. Verdict is "answerable" or
	// "needs_clarify"; MathScore is the 0-1 math-relatedness estimate.
	KnowledgeCode string  `json:"knowledge_code,omitempty"`
	Verdict       string  `json:"verdict,omitempty"`
	MathScore     float64 `json:"math_score,omitempty"`

	// error fields.
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// AgentStatus is a per-agent process liveness record.
type AgentStatus struct {
	Name          string         `json:"agent_name"`
	IsAlive       bool           `json:"is_alive"`
	LastHeartbeat time.Time      `json:"last_update"`
	MetricsCount  int            `json:"metrics_count"`
}

// MetricKind enumerates the families a MetricSample can belong to.
type MetricKind string

const (
	MetricCounter   MetricKind = "counter"
	MetricGauge     MetricKind = "gauge"
	MetricHistogram MetricKind = "histogram"
)

// MetricSample is one observation recorded against a named metric.
type MetricSample struct {
	Agent      string            `json:"agent"`
	Kind       MetricKind        `json:"kind"`
	Name       string            `json:"name"`
	Labels     map[string]string `json:"labels,omitempty"`
	Value      float64           `json:"value"`
	ObservedAt time.Time         `json:"observed_at"`
}

// EvaluationRecord is the per-session rubric scoring record. Rubric has 8
// checklist items; each item has 4 binary elements so item score ranges
// from 1 (none checked) to 5 (all checked). Section totals cap at 15, 15,
// 10 giving an overall cap of 40.
type EvaluationRecord struct {
	SessionID    int64     `json:"session_id"`
	Items        [8]int    `json:"items"` // each 1..5
	SectionA     int       `json:"section_a"`
	SectionB     int       `json:"section_b"`
	SectionC     int       `json:"section_c"`
	Overall      int       `json:"overall"`
	Feedback     string    `json:"feedback"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// ScoreItems computes section and overall totals from the eight checklist
// item scores. Sections are fixed at three items (A), three items (B), and
// two items (C), matching the 15/15/10 caps described in the rubric.
func (r *EvaluationRecord) ScoreItems() {
	r.SectionA = r.Items[0] + r.Items[1] + r.Items[2]
	r.SectionB = r.Items[3] + r.Items[4] + r.Items[5]
	r.SectionC = r.Items[6] + r.Items[7]
	r.Overall = r.SectionA + r.SectionB + r.SectionC
}
