package upload

import (
	"fmt"
	"sort"
	"time"
)

type (
	SessionState int

	// ChunkRequest describes a single chunk submission. The metadata fields
	// (OriginalName, MimeType, ...) are taken from the first chunk seen for a
	// session; later chunks must agree on ExpectedCount.
	ChunkRequest struct {
		SessionID     string
		Index         int
		ExpectedCount int
		OriginalName  string
		MimeType      string
		TotalSize     int64
		Title         string
		Notes         string
	}

	// Asset is the single immutable file produced by assembling every chunk of
	// a session (or by fetching a remote URL). ID doubles as the file name
	// inside the asset directory.
	Asset struct {
		ID              string
		Path            string
		Size            int64
		SessionID       string
		OriginalName    string
		MimeType        string
		Title           string
		Notes           string
		DurationSeconds float64
	}

	// Session tracks the chunks received for one upload. It is created
	// implicitly by the first chunk and forgotten once discarded or expired.
	Session struct {
		ID            string
		ExpectedCount int
		OriginalName  string
		MimeType      string
		TotalSize     int64
		Title         string
		Notes         string
		State         SessionState
		LastActivity  time.Time
		Asset         *Asset

		received map[int]struct{}
	}

	OutcomeStatus int

	// Outcome is returned by AcceptChunk. Asset is set only when Status
	// is AssemblyComplete. AlreadyComplete indicates the chunk arrived after
	// (or raced with) the chunk which completed the session.
	Outcome struct {
		Status          OutcomeStatus
		Index           int
		Received        int
		Expected        int
		Asset           *Asset
		AlreadyComplete bool
	}
)

const (
	Assembling SessionState = iota
	Complete
)

const (
	ChunkAccepted OutcomeStatus = iota
	AssemblyComplete
)

func (state SessionState) String() string {
	switch state {
	case Assembling:
		return fmt.Sprintf("ASSEMBLING[%d]", state)
	case Complete:
		return fmt.Sprintf("COMPLETE[%d]", state)
	}

	return fmt.Sprintf("UNKNOWN[%d]", state)
}

func (status OutcomeStatus) String() string {
	if status == AssemblyComplete {
		return "assembly_complete"
	}

	return "chunk_accepted"
}

func newSession(req ChunkRequest, now time.Time) *Session {
	return &Session{
		ID:            req.SessionID,
		ExpectedCount: req.ExpectedCount,
		OriginalName:  req.OriginalName,
		MimeType:      req.MimeType,
		TotalSize:     req.TotalSize,
		Title:         req.Title,
		Notes:         req.Notes,
		State:         Assembling,
		LastActivity:  now,
		received:      make(map[int]struct{}, req.ExpectedCount),
	}
}

func (session *Session) isComplete() bool {
	if len(session.received) != session.ExpectedCount {
		return false
	}

	for i := 0; i < session.ExpectedCount; i++ {
		if _, ok := session.received[i]; !ok {
			return false
		}
	}

	return true
}

// Received returns the sorted indexes received so far.
func (session *Session) Received() []int {
	out := make([]int, 0, len(session.received))
	for idx := range session.received {
		out = append(out, idx)
	}

	sort.Ints(out)
	return out
}

func (session *Session) String() string {
	return fmt.Sprintf("Session{id=%s state=%s received=%d/%d}", session.ID, session.State, len(session.received), session.ExpectedCount)
}

func (session *Session) snapshot() *Session {
	cp := *session
	cp.received = make(map[int]struct{}, len(session.received))
	for k := range session.received {
		cp.received[k] = struct{}{}
	}

	return &cp
}
