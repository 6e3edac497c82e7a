package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	ksync "github.com/koochoy97/leaf-microservice/pkg/sync"
	"github.com/labstack/gommon/bytes"
)

var log = logger.Get("Upload")

type (
	Config struct {
		SessionExpiry time.Duration `yaml:"session_expiry" env:"UPLOAD_SESSION_EXPIRY" env-default:"24h"`
		SweepInterval time.Duration `yaml:"sweep_interval" env:"UPLOAD_SWEEP_INTERVAL" env-default:"10m"`
	}

	ChunkStore interface {
		Put(sessionID string, index int, payload io.Reader) (int64, error)
		Open(sessionID string, index int) (*os.File, error)
		Exists(sessionID string, index int) bool
		Remove(sessionID string, index int) error
		RemoveSession(sessionID string) (int, error)
	}

	// Assembler accepts the chunks of many concurrent upload sessions and,
	// once a session has every chunk, concatenates them in index order in to
	// a single asset. Finalisation of a session is serialised by a per-session
	// lock so that exactly one racing 'last chunk' performs the assembly.
	Assembler struct {
		config   Config
		chunks   ChunkStore
		assetDir string
		eventBus event.EventDispatcher
		locks    *ksync.KeyedMutex[string]

		mu       sync.Mutex
		sessions map[string]*Session
	}
)

func (config Config) validate() error {
	if config.SessionExpiry <= 0 {
		return errors.New("session expiry must be positive")
	}
	if config.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	return nil
}

func NewAssembler(config Config, chunks ChunkStore, assetDir string, eventBus event.EventDispatcher) (*Assembler, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("upload config is not valid: %w", err)
	}
	if info, err := os.Stat(assetDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("asset directory %q is not usable: %v", assetDir, err)
	}

	return &Assembler{
		config:   config,
		chunks:   chunks,
		assetDir: assetDir,
		eventBus: eventBus,
		locks:    ksync.NewKeyedMutex[string](),
		sessions: make(map[string]*Session),
	}, nil
}

// AssetName is the file name (and asset ID) given to the assembled file
// for the session.
func AssetName(sessionID string, originalName string) string {
	return fmt.Sprintf("%s_%s", sessionID, filepath.Base(filepath.Clean("/"+originalName)))
}

func validateRequest(req ChunkRequest) error {
	if err := storage.ValidateName(req.SessionID); err != nil {
		return fault.Wrap(fault.InvalidRequestPayload, err, "session id is not valid")
	}
	if req.ExpectedCount <= 0 {
		return fault.BadPayload("expected chunk count must be positive, got %d", req.ExpectedCount)
	}
	if req.Index < 0 || req.Index >= req.ExpectedCount {
		return fault.InvalidIndex(req.Index, req.ExpectedCount)
	}
	if err := storage.ValidateName(AssetName(req.SessionID, req.OriginalName)); err != nil || req.OriginalName == "" {
		return fault.BadPayload("original file name %q is not valid", req.OriginalName)
	}

	return nil
}

// AcceptChunk stores the chunk payload against the session, creating the
// session if this is the first chunk seen for it. When the chunk completes
// the set of indexes [0, ExpectedCount) the session is assembled in to an
// asset before returning.
//
// Resubmitting an index simply replaces the stored payload.
func (assembler *Assembler) AcceptChunk(ctx context.Context, req ChunkRequest, payload io.Reader) (*Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, state, err := assembler.session(req)
	if err != nil {
		return nil, err
	}
	if state == Complete {
		return assembler.alreadyComplete(session, req.Index), nil
	}

	written, err := assembler.chunks.Put(req.SessionID, req.Index, payload)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "failed to store chunk %d of session %s", req.Index, req.SessionID)
	}
	log.Emit(logger.VERBOSE, "Stored chunk %d/%d (%s) for session %s\n", req.Index+1, req.ExpectedCount, bytes.Format(written), req.SessionID)

	release := assembler.locks.Lock(req.SessionID)
	defer release()

	assembler.mu.Lock()
	current, ok := assembler.sessions[req.SessionID]
	if !ok || current != session {
		assembler.mu.Unlock()
		assembler.chunks.Remove(req.SessionID, req.Index)
		return nil, fault.BadPayload("session %s was discarded while chunk %d was being stored", req.SessionID, req.Index)
	}
	if session.State == Complete {
		assembler.mu.Unlock()
		// Session was finalised while this duplicate was being written; the
		// stray payload must not outlive the session.
		assembler.chunks.Remove(req.SessionID, req.Index)
		return assembler.alreadyComplete(session, req.Index), nil
	}

	session.received[req.Index] = struct{}{}
	session.LastActivity = time.Now()
	received := len(session.received)
	complete := session.isComplete()
	assembler.mu.Unlock()

	if !complete {
		return &Outcome{Status: ChunkAccepted, Index: req.Index, Received: received, Expected: session.ExpectedCount}, nil
	}

	asset, err := assembler.finalize(ctx, session)
	if err != nil {
		return nil, err
	}

	return &Outcome{Status: AssemblyComplete, Index: req.Index, Received: received, Expected: session.ExpectedCount, Asset: asset}, nil
}

// session returns the registered session for the request, creating it if
// needed. The expected chunk count of an existing session cannot change.
func (assembler *Assembler) session(req ChunkRequest) (*Session, SessionState, error) {
	assembler.mu.Lock()
	defer assembler.mu.Unlock()

	if existing, ok := assembler.sessions[req.SessionID]; ok {
		if existing.ExpectedCount != req.ExpectedCount {
			return nil, existing.State, fault.BadPayload("session %s expects %d chunks, request declared %d", req.SessionID, existing.ExpectedCount, req.ExpectedCount)
		}

		existing.LastActivity = time.Now()
		return existing, existing.State, nil
	}

	session := newSession(req, time.Now())
	assembler.sessions[req.SessionID] = session
	log.Emit(logger.NEW, "Opened upload session %s expecting %d chunks for %q\n", session.ID, session.ExpectedCount, session.OriginalName)
	return session, Assembling, nil
}

func (assembler *Assembler) alreadyComplete(session *Session, index int) *Outcome {
	assembler.mu.Lock()
	defer assembler.mu.Unlock()

	return &Outcome{
		Status:          AssemblyComplete,
		Index:           index,
		Received:        session.ExpectedCount,
		Expected:        session.ExpectedCount,
		Asset:           session.Asset,
		AlreadyComplete: true,
	}
}

// finalize concatenates every chunk of the session in to the asset file.
// The caller must hold the session lock. If a chunk turns out to be missing
// from storage it is removed from the received set and the session remains
// Assembling, allowing the client to resubmit it.
func (assembler *Assembler) finalize(ctx context.Context, session *Session) (*Asset, error) {
	for i := 0; i < session.ExpectedCount; i++ {
		if !assembler.chunks.Exists(session.ID, i) {
			assembler.forgetChunk(session, i)
			return nil, fault.Missing(i)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := AssetName(session.ID, session.OriginalName)
	reader := newOrderedReader(assembler.chunks, session.ID, session.ExpectedCount)
	defer reader.Close()

	written, err := storage.WriteFileExclusive(assembler.assetDir, name, reader)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Kind == fault.MissingChunk {
			assembler.forgetChunk(session, fe.Index)
			return nil, fe
		}
		if errors.Is(err, storage.ErrExists) {
			return nil, fault.Wrap(fault.InvalidRequestPayload, err, "asset %s already belongs to another upload", name)
		}

		return nil, fault.Wrap(fault.Storage, err, "failed to assemble session %s", session.ID)
	}

	// Parts are only consumed once the asset is linked in to place.
	for i := 0; i < session.ExpectedCount; i++ {
		if err := assembler.chunks.Remove(session.ID, i); err != nil {
			log.Emit(logger.WARNING, "Failed to remove consumed chunk %d of session %s: %v\n", i, session.ID, err)
		}
	}

	asset := &Asset{
		ID:           name,
		Path:         filepath.Join(assembler.assetDir, name),
		Size:         written,
		SessionID:    session.ID,
		OriginalName: session.OriginalName,
		MimeType:     session.MimeType,
		Title:        session.Title,
		Notes:        session.Notes,
	}

	assembler.mu.Lock()
	session.State = Complete
	session.Asset = asset
	session.LastActivity = time.Now()
	assembler.mu.Unlock()

	if session.TotalSize > 0 && session.TotalSize != written {
		log.Emit(logger.WARNING, "Session %s declared %s but assembled %s\n", session.ID, bytes.Format(session.TotalSize), bytes.Format(written))
	}
	log.Emit(logger.SUCCESS, "Assembled session %s in to %s (%s)\n", session.ID, name, bytes.Format(written))
	return asset, nil
}

func (assembler *Assembler) forgetChunk(session *Session, index int) {
	assembler.mu.Lock()
	defer assembler.mu.Unlock()
	delete(session.received, index)
}

// Session returns a copy of the session with the given ID, or nil if no
// such session is being tracked.
func (assembler *Assembler) Session(sessionID string) *Session {
	assembler.mu.Lock()
	defer assembler.mu.Unlock()

	if s, ok := assembler.sessions[sessionID]; ok {
		return s.snapshot()
	}

	return nil
}

// Discard forgets the session and deletes any chunks still stored for it,
// returning how many chunk files were removed. Discarding an unknown
// session is not an error.
func (assembler *Assembler) Discard(sessionID string) (int, error) {
	release := assembler.locks.Lock(sessionID)
	defer release()

	assembler.mu.Lock()
	delete(assembler.sessions, sessionID)
	assembler.mu.Unlock()

	removed, err := assembler.chunks.RemoveSession(sessionID)
	if err != nil {
		return removed, fault.Wrap(fault.Storage, err, "failed to remove chunks for session %s", sessionID)
	}

	if removed > 0 {
		log.Emit(logger.REMOVE, "Discarded %d pending chunks for session %s\n", removed, sessionID)
	}
	return removed, nil
}

// Sweep discards every session which has seen no activity since
// 'now - SessionExpiry'. Assembling sessions have their chunks deleted;
// completed sessions are simply forgotten (their asset is untouched).
// The IDs of expired sessions are returned.
func (assembler *Assembler) Sweep(now time.Time) []string {
	cutoff := now.Add(-assembler.config.SessionExpiry)

	assembler.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range assembler.sessions {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	assembler.mu.Unlock()

	expired := make([]string, 0, len(stale))
	for _, s := range stale {
		unlock, ok := assembler.locks.TryLock(s.ID)
		if !ok {
			// Session is being written or finalised right now, so it can't
			// be idle. Catch it on the next sweep if it really is.
			continue
		}

		assembler.mu.Lock()
		current, tracked := assembler.sessions[s.ID]
		stillStale := tracked && current == s && s.LastActivity.Before(cutoff)
		state := s.State
		if stillStale {
			delete(assembler.sessions, s.ID)
		}
		assembler.mu.Unlock()

		if stillStale && state == Assembling {
			if _, err := assembler.chunks.RemoveSession(s.ID); err != nil {
				log.Emit(logger.WARNING, "Failed to remove chunks of expired session %s: %v\n", s.ID, err)
			}
		}
		unlock()

		if stillStale {
			expired = append(expired, s.ID)
			log.Emit(logger.REMOVE, "Expired idle upload session %s (%s)\n", s.ID, state)
			if assembler.eventBus != nil {
				assembler.eventBus.Dispatch(event.SESSION_EXPIRED, event.Stage{SessionID: s.ID, Stage: "expire", Detail: state.String()})
			}
		}
	}

	return expired
}

// Run periodically sweeps idle sessions until the context is cancelled.
func (assembler *Assembler) Run(ctx context.Context) error {
	ticker := time.NewTicker(assembler.config.SweepInterval)
	defer ticker.Stop()

	log.Emit(logger.NEW, "Upload session sweeper started (expiry %s, interval %s)\n", assembler.config.SessionExpiry, assembler.config.SweepInterval)
	for {
		select {
		case now := <-ticker.C:
			if expired := assembler.Sweep(now); len(expired) > 0 {
				log.Emit(logger.INFO, "Sweep expired %d upload sessions\n", len(expired))
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Upload session sweeper stopped\n")
			return nil
		}
	}
}

// ActiveSessions returns the number of sessions currently tracked.
func (assembler *Assembler) ActiveSessions() int {
	assembler.mu.Lock()
	defer assembler.mu.Unlock()
	return len(assembler.sessions)
}
