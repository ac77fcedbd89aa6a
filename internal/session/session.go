// Package session implements the exam attempt session state machine: one
// in-memory object per live attempt that enforces section ordering,
// one-way listening navigation, the audio replay cap, and the single-fire
// submission latch, and that derives remaining time from the immutable
// start anchor on every read.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
)

const (
	// AudioPlayCap is the fixed replay limit for audio questions.
	AudioPlayCap = 2
	// ListeningSection is the strictly sequential, one-way section.
	ListeningSection = 3
)

// Phase is the coarse state of the session.
type Phase int

const (
	// PhaseInSection — the candidate is answering questions.
	PhaseInSection Phase = iota
	// PhaseTransition — a finished section awaits acknowledgement before
	// the next one opens. Advisory only; never persisted.
	PhaseTransition
	// PhaseSubmitted — terminal; every further transition is a no-op.
	PhaseSubmitted
)

func (p Phase) String() string {
	switch p {
	case PhaseInSection:
		return "in_section"
	case PhaseTransition:
		return "transition"
	case PhaseSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Session holds a candidate's live progress through one attempt. All
// transitions are applied atomically under one mutex; illegal transitions
// are silent no-ops because the calling UI is expected to only offer legal
// actions. Time is never stored — Remaining derives it from startedAt and
// a fresh clock read.
type Session struct {
	mu      sync.Mutex
	clock   Clock
	catalog *Catalog

	attemptID uuid.UUID
	userID    int
	startedAt time.Time

	phase    Phase
	current  int // current section number, monotonically non-decreasing
	index    int // question index within the current section
	answers  map[uuid.UUID]string
	plays    map[uuid.UUID]int
	finished map[int]bool
	flagged  map[uuid.UUID]bool

	fired bool // submission latch: set exactly once
	dirty bool
}

// New builds a Session from a stored attempt snapshot and the catalog,
// reconciling the client-held view against the durable record. The
// in-section index is re-derived as the first unanswered question of the
// current section — the index is not meaningful across reloads, only the
// answer map is authoritative.
func New(attempt *model.Attempt, catalog *Catalog, clock Clock) *Session {
	s := &Session{
		clock:     clock,
		catalog:   catalog,
		attemptID: attempt.ID,
		userID:    attempt.UserID,
		startedAt: attempt.StartedAt,
		current:   attempt.CurrentSection,
		answers:   make(map[uuid.UUID]string, len(attempt.Answers)),
		plays:     make(map[uuid.UUID]int, len(attempt.AudioPlayCount)),
		finished:  make(map[int]bool, len(attempt.SectionFinished)),
		flagged:   make(map[uuid.UUID]bool, len(attempt.FlaggedQuestions)),
	}
	if s.current < 1 {
		s.current = 1
	}

	for k, v := range attempt.Answers {
		if id, err := uuid.Parse(k); err == nil && catalog.SectionOf(id) != 0 {
			s.answers[id] = v
		}
	}
	for k, v := range attempt.AudioPlayCount {
		if id, err := uuid.Parse(k); err == nil && catalog.SectionOf(id) != 0 {
			if v > AudioPlayCap {
				v = AudioPlayCap
			}
			s.plays[id] = v
		}
	}
	for k, v := range attempt.SectionFinished {
		if n, err := strconv.Atoi(k); err == nil && v {
			s.finished[n] = true
		}
	}
	for _, k := range attempt.FlaggedQuestions {
		if id, err := uuid.Parse(k); err == nil && catalog.SectionOf(id) != 0 {
			s.flagged[id] = true
		}
	}

	s.index = s.firstUnanswered(s.current)

	if attempt.Submitted() {
		s.phase = PhaseSubmitted
		s.fired = true
	}

	return s
}

// firstUnanswered returns the index of the first unanswered question in a
// section, falling back to 0. Callers hold s.mu or run before publication.
func (s *Session) firstUnanswered(section int) int {
	for i, q := range s.catalog.SectionQuestions(section) {
		if _, ok := s.answers[q.ID]; !ok {
			return i
		}
	}
	return 0
}

// AttemptID returns the owning attempt id.
func (s *Session) AttemptID() uuid.UUID { return s.attemptID }

// UserID returns the owning candidate id.
func (s *Session) UserID() int { return s.userID }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CurrentSection returns the current section number.
func (s *Session) CurrentSection() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Index returns the in-section question index.
func (s *Session) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Remaining derives the time left on the global exam timer, floored at 0.
// It is idempotent: it depends only on elapsed wall time.
func (s *Session) Remaining() time.Duration {
	elapsed := s.clock.Now().Sub(s.startedAt)
	if remaining := s.catalog.Duration() - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// SelectAnswer records or overwrites the candidate's choice for a question
// in the current section. Unknown questions, foreign sections, options not
// offered by the question, and terminal phases are all silent no-ops.
func (s *Session) SelectAnswer(qid uuid.UUID, option string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || s.finished[s.current] {
		return
	}
	if s.catalog.SectionOf(qid) != s.current {
		return
	}
	if !s.catalog.HasOption(qid, option) {
		return
	}
	s.answers[qid] = option
	s.dirty = true
}

// ToggleFlag toggles review-flag membership for a question in the current
// section. Flagging is not offered in the listening section.
func (s *Session) ToggleFlag(qid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || s.current == ListeningSection || s.finished[s.current] {
		return
	}
	if s.catalog.SectionOf(qid) != s.current {
		return
	}
	if s.flagged[qid] {
		delete(s.flagged, qid)
	} else {
		s.flagged[qid] = true
	}
	s.dirty = true
}

// PlayAudio records one audio play for a question in the current section.
// Plays beyond the cap are no-ops, not errors.
func (s *Session) PlayAudio(qid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || s.finished[s.current] {
		return
	}
	if s.catalog.SectionOf(qid) != s.current || !s.catalog.IsAudio(qid) {
		return
	}
	if s.plays[qid] >= AudioPlayCap {
		return
	}
	s.plays[qid]++
	s.dirty = true
}

// Next advances the in-section index by one, clamped to the section bounds.
func (s *Session) Next() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection {
		return
	}
	if s.index < len(s.catalog.SectionQuestions(s.current))-1 {
		s.index++
	}
}

// Previous moves the in-section index back by one. The listening section is
// strictly one-way: Previous there leaves state unchanged.
func (s *Session) Previous() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || s.current == ListeningSection {
		return
	}
	if s.index > 0 {
		s.index--
	}
}

// JumpTo selects a question by in-section index. Direct jumps are forbidden
// in the listening section; out-of-range indexes are no-ops.
func (s *Session) JumpTo(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || s.current == ListeningSection {
		return
	}
	if index < 0 || index >= len(s.catalog.SectionQuestions(s.current)) {
		return
	}
	s.index = index
}

// FinishSection irreversibly closes the current section. The candidate must
// have acknowledged "cannot return to this section" (confirmed); without it
// the call is a no-op. On a non-last section the session enters the
// transition phase; on the last section the session becomes Submitted and
// the return value tells the caller to run the privileged scoring exactly
// once. Repeated calls after the latch fires return false.
func (s *Session) FinishSection(confirmed bool) (submitted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInSection || !confirmed {
		return false
	}
	return s.finishLocked()
}

// finishLocked closes the current section. Caller holds s.mu.
func (s *Session) finishLocked() (submitted bool) {
	s.finished[s.current] = true
	s.dirty = true

	if s.current >= s.catalog.LastSection() {
		s.phase = PhaseSubmitted
		if s.fired {
			return false
		}
		s.fired = true
		return true
	}

	s.current++
	s.index = 0
	s.phase = PhaseTransition
	return false
}

// AcknowledgeTransition closes the advisory between-sections screen and
// opens the next section.
func (s *Session) AcknowledgeTransition() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseTransition {
		s.phase = PhaseInSection
	}
}

// ExpireIfDue checks the global timer and, once it reaches zero, drives the
// attempt through every remaining section to Submitted without requiring
// confirmation. The submission latch guarantees the zero-crossing fires at
// most once; later ticks are no-ops and return false.
func (s *Session) ExpireIfDue() (submitted bool) {
	if s.Remaining() > 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseSubmitted {
		return false
	}

	// Force-finish every remaining section, skipping confirmations and
	// the advisory transition screens.
	s.phase = PhaseInSection
	for s.phase != PhaseSubmitted {
		submitted = s.finishLocked()
		if s.phase == PhaseTransition {
			s.phase = PhaseInSection
		}
	}
	return submitted
}

// MarkSubmitted forces the terminal phase, used when the durable store
// reports the attempt was already submitted elsewhere.
func (s *Session) MarkSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseSubmitted
	s.fired = true
}

// Snapshot copies the mutable progress fields into an idempotent
// full-state overwrite for the attempt store.
func (s *Session) Snapshot() *model.AttemptProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *model.AttemptProgress {
	p := &model.AttemptProgress{
		AttemptID:        s.attemptID,
		ExamID:           s.catalog.ExamID(),
		UserID:           s.userID,
		CurrentSection:   s.current,
		Answers:          make(map[string]string, len(s.answers)),
		AudioPlayCount:   make(map[string]int, len(s.plays)),
		SectionFinished:  make(map[string]bool, len(s.finished)),
		FlaggedQuestions: make([]string, 0, len(s.flagged)),
	}
	for id, opt := range s.answers {
		p.Answers[id.String()] = opt
	}
	for id, n := range s.plays {
		p.AudioPlayCount[id.String()] = n
	}
	for n, done := range s.finished {
		p.SectionFinished[strconv.Itoa(n)] = done
	}
	for id := range s.flagged {
		p.FlaggedQuestions = append(p.FlaggedQuestions, id.String())
	}
	return p
}

// TakeSnapshotIfDirty returns a snapshot and clears the dirty bit, or nil
// when nothing changed since the last flush.
func (s *Session) TakeSnapshotIfDirty() *model.AttemptProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	s.dirty = false
	return s.snapshotLocked()
}

// Answers returns a copy of the answer map keyed by question id string.
func (s *Session) Answers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for id, opt := range s.answers {
		out[id.String()] = opt
	}
	return out
}

// AudioPlays returns the recorded play count for one question.
func (s *Session) AudioPlays(qid uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays[qid]
}

// Flagged reports whether a question carries the review flag.
func (s *Session) Flagged(qid uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged[qid]
}

// SectionFinished reports whether a section is closed.
func (s *Session) SectionFinished(number int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[number]
}
