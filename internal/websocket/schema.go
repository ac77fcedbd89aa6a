package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer        Action = "answer"
	ActionFlag          Action = "flag"
	ActionPlayAudio     Action = "play_audio"
	ActionNext          Action = "next"
	ActionPrevious      Action = "previous"
	ActionJump          Action = "jump"
	ActionFinishSection Action = "finish_section"
	ActionAckTransition Action = "ack_transition"
	ActionSubmit        Action = "submit"
	ActionPing          Action = "ping"
)

// RequestPayload is the flat client message. Fields beyond Action are
// meaningful only for the actions that read them.
type RequestPayload struct {
	Action  Action `json:"action"`
	QID     string `json:"q_id,omitempty"`
	Option  string `json:"option,omitempty"`
	Index   int    `json:"index,omitempty"`
	Confirm bool   `json:"confirm,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventTick      Event = "tick"
	EventSubmitted Event = "submitted"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse echoes the session position after every action, and on
// connect. The client renders from this alone; it never advances state
// locally.
type StateResponse struct {
	Event            Event   `json:"event"`
	Phase            string  `json:"phase"`
	CurrentSection   int     `json:"current_section"`
	Index            int     `json:"index"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// TickResponse is the 1 Hz countdown push.
type TickResponse struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// SubmittedResponse closes the attempt with its grading.
type SubmittedResponse struct {
	Event         Event              `json:"event"`
	ScoreSection  map[string]float64 `json:"score_section"`
	TotalScore250 float64            `json:"total_score_250"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
