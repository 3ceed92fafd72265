package autosave

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/manpreetbhatti/kodeon/backend/internal/db"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
	}
}

// Source exposes the cached files of live rooms.
type Source interface {
	ProjectFiles() map[string][]collab.FileState
}

type Store interface {
	SaveFile(f db.File) error
}

type fileKey struct {
	projectID string
	fileID    string
}

type closedRoom struct {
	projectID string
	files     []collab.FileState
}

// Service writes cached room files back to the project store, periodically
// and when a room closes. It also acts as a collab.PresenceObserver.
type Service struct {
	source Source
	store  Store
	config Config
	log    *slog.Logger

	mu    sync.Mutex
	saved map[fileKey]uint64

	// Rooms closed but not yet written. Unbounded; a closed room is never dropped.
	pendingMu sync.Mutex
	pending   []closedRoom
	wake      chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(source Source, store Store, config Config, log *slog.Logger) *Service {
	return &Service{
		source:  source,
		store:   store,
		config:  config,
		log:     log,
		saved:   make(map[fileKey]uint64),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("Autosave service started", "interval", s.config.Interval)
}

// Stop flushes pending work and every live room before returning.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.drainClosing()
	s.SaveNow()
	s.log.Info("Autosave service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.drainClosing()
			return
		case <-s.wake:
			s.drainClosing()
		case <-ticker.C:
			s.SaveNow()
		}
	}
}

func (s *Service) drainClosing() {
	for {
		s.pendingMu.Lock()
		rooms := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if len(rooms) == 0 {
			return
		}
		for _, room := range rooms {
			s.saveClosed(room)
		}
	}
}

// SaveNow writes every cached file changed since its last save and returns
// how many were written.
func (s *Service) SaveNow() int {
	saved := 0
	for projectID, files := range s.source.ProjectFiles() {
		for _, f := range files {
			if s.save(projectID, f) {
				saved++
			}
		}
	}
	if saved > 0 {
		s.log.Debug("Autosaved files", "count", saved)
	}
	return saved
}

func (s *Service) saveClosed(room closedRoom) {
	for _, f := range room.files {
		s.save(room.projectID, f)
	}

	s.mu.Lock()
	for key := range s.saved {
		if key.projectID == room.projectID {
			delete(s.saved, key)
		}
	}
	s.mu.Unlock()
}

// Revisions restart when a room is recreated, so any difference means a change.
func (s *Service) save(projectID string, f collab.FileState) bool {
	key := fileKey{projectID: projectID, fileID: f.FileID}

	s.mu.Lock()
	rev, ok := s.saved[key]
	s.mu.Unlock()
	if ok && rev == f.Revision {
		return false
	}

	err := s.store.SaveFile(db.File{
		ProjectID: projectID,
		FileID:    f.FileID,
		Content:   f.Content,
		UpdatedBy: f.UpdatedBy,
		UpdatedAt: f.UpdatedAt,
	})
	if err != nil {
		s.log.Error("Autosave failed", "project_id", projectID, "file_id", f.FileID, "error", err)
		return false
	}

	s.mu.Lock()
	s.saved[key] = f.Revision
	s.mu.Unlock()
	return true
}

func (s *Service) ParticipantJoined(string, collab.Participant) {}

func (s *Service) ParticipantLeft(string, collab.Participant) {}

// RoomClosed queues the final files of a room without blocking the caller.
// Queued rooms are written by the run loop, or by Stop at the latest.
func (s *Service) RoomClosed(projectID string, files []collab.FileState) {
	if len(files) == 0 {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, closedRoom{projectID: projectID, files: files})
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
