package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/manpreetbhatti/kodeon/backend/internal/db"
	"github.com/manpreetbhatti/kodeon/backend/internal/ws"
	"github.com/samber/lo"
)

// Presence is the cluster-wide membership view kept in Redis.
type Presence interface {
	ActiveProjects(ctx context.Context) ([]string, error)
	Participants(ctx context.Context, projectID string) ([]collab.Participant, error)
}

type API struct {
	coordinator *collab.Coordinator
	hub         *ws.Hub
	database    *db.Database
	presence    Presence
	metrics     http.Handler
	corsOrigin  string
	log         *slog.Logger
}

var validate = validator.New()

func New(coordinator *collab.Coordinator, hub *ws.Hub, database *db.Database, log *slog.Logger) *API {
	return &API{
		coordinator: coordinator,
		hub:         hub,
		database:    database,
		corsOrigin:  "*",
		log:         log,
	}
}

func (a *API) SetPresence(p Presence) {
	a.presence = p
}

func (a *API) SetMetricsHandler(h http.Handler) {
	a.metrics = h
}

func (a *API) SetCORSOrigin(origin string) {
	a.corsOrigin = origin
}

// Handler returns the full HTTP surface: REST API, metrics and the WebSocket
// endpoint.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.corsMiddleware)

	r.Get("/health", a.HealthHandler)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)

		r.Get("/rooms", a.ListRoomsHandler)
		r.Get("/rooms/{projectID}", a.GetRoomHandler)

		r.Get("/projects", a.ListProjectsHandler)
		r.Post("/projects", a.CreateProjectHandler)
		r.Get("/projects/{projectID}", a.GetProjectHandler)
		r.Delete("/projects/{projectID}", a.DeleteProjectHandler)
		r.Get("/projects/{projectID}/files", a.ListFilesHandler)
		r.Get("/projects/{projectID}/files/{fileID}", a.GetFileHandler)
		r.Put("/projects/{projectID}/files/{fileID}", a.SaveFileHandler)

		r.Get("/presence", a.PresenceHandler)
		r.Get("/presence/{projectID}", a.ProjectPresenceHandler)
	})

	return r
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.coordinator.Registry().Len(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_projects"] = dbStats["project_count"]
			stats["total_files"] = dbStats["file_count"]
		} else {
			a.log.Warn("Reading store stats", "error", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ProjectID   string `json:"project_id"`
	ActiveUsers int    `json:"active_users"`
	Files       int    `json:"files"`
}

type ParticipantResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type CachedFileResponse struct {
	FileID    string    `json:"file_id"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  uint64    `json:"revision"`
}

type RoomDetailResponse struct {
	ProjectID    string                `json:"project_id"`
	Participants []ParticipantResponse `json:"participants"`
	Files        []CachedFileResponse  `json:"files"`
}

func toParticipantResponse(p collab.Participant, _ int) ParticipantResponse {
	return ParticipantResponse{UserID: p.UserID, Username: p.Username}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := lo.Map(a.coordinator.Registry().Summaries(), func(s collab.RoomSummary, _ int) RoomResponse {
		return RoomResponse{ProjectID: s.ProjectID, ActiveUsers: s.Participants, Files: s.Files}
	})

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	room, ok := a.coordinator.Registry().Lookup(projectID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not active")
		return
	}

	jsonResponse(w, http.StatusOK, RoomDetailResponse{
		ProjectID:    projectID,
		Participants: lo.Map(room.Participants(), toParticipantResponse),
		Files: lo.Map(room.Files(), func(f collab.FileState, _ int) CachedFileResponse {
			return CachedFileResponse{FileID: f.FileID, UpdatedBy: f.UpdatedBy, UpdatedAt: f.UpdatedAt, Revision: f.Revision}
		}),
	})
}

// Project handlers

type ProjectResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

type CreateProjectRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
}

func (a *API) activeUsers() map[string]int {
	return lo.SliceToMap(a.coordinator.Registry().Summaries(), func(s collab.RoomSummary) (string, int) {
		return s.ProjectID, s.Participants
	})
}

func (a *API) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	projects, err := a.database.ListProjects(limit, offset)
	if err != nil {
		a.log.Error("Listing projects", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	active := a.activeUsers()
	response := lo.Map(projects, func(p db.Project, _ int) ProjectResponse {
		return ProjectResponse{
			ID:          p.ID,
			Name:        p.Name,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
			ActiveUsers: active[p.ID],
		}
	})

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"projects": response,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	if err := a.database.CreateProject(req.ID, req.Name); err != nil {
		a.log.Error("Creating project", "project_id", req.ID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	project, err := a.database.GetProject(req.ID)
	if err != nil || project == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get project")
		return
	}

	jsonResponse(w, http.StatusCreated, ProjectResponse{
		ID:        project.ID,
		Name:      project.Name,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.UpdatedAt,
	})
}

func (a *API) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	project, err := a.database.GetProject(projectID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get project")
		return
	}
	if project == nil {
		errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}

	jsonResponse(w, http.StatusOK, ProjectResponse{
		ID:          project.ID,
		Name:        project.Name,
		CreatedAt:   project.CreatedAt,
		UpdatedAt:   project.UpdatedAt,
		ActiveUsers: a.activeUsers()[project.ID],
	})
}

func (a *API) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	if _, live := a.coordinator.Registry().Lookup(projectID); live {
		errorResponse(w, http.StatusConflict, "Project has an active session")
		return
	}

	if err := a.database.DeleteProject(projectID); err != nil {
		a.log.Error("Deleting project", "project_id", projectID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// File handlers

type FileResponse struct {
	ProjectID string    `json:"project_id"`
	FileID    string    `json:"file_id"`
	Content   *string   `json:"content,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

type SaveFileRequest struct {
	Content   string `json:"content"`
	UpdatedBy string `json:"updated_by,omitempty" validate:"max=256"`
}

const (
	sourceRoom  = "room"
	sourceStore = "store"
)

// ListFilesHandler lists stored files, overlaid with the live room's cache.
func (a *API) ListFilesHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	stored, err := a.database.ListFiles(projectID)
	if err != nil {
		a.log.Error("Listing files", "project_id", projectID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list files")
		return
	}

	files := lo.Map(stored, func(f db.File, _ int) FileResponse {
		return FileResponse{ProjectID: projectID, FileID: f.FileID, UpdatedBy: f.UpdatedBy, UpdatedAt: f.UpdatedAt, Source: sourceStore}
	})

	if room, ok := a.coordinator.Registry().Lookup(projectID); ok {
		index := make(map[string]int, len(files))
		for i, f := range files {
			index[f.FileID] = i
		}
		for _, f := range room.Files() {
			cached := FileResponse{ProjectID: projectID, FileID: f.FileID, UpdatedBy: f.UpdatedBy, UpdatedAt: f.UpdatedAt, Source: sourceRoom}
			if i, ok := index[f.FileID]; ok {
				files[i] = cached
				continue
			}
			files = append(files, cached)
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"files":      files,
		"count":      len(files),
	})
}

// GetFileHandler serves a file from the live room when one holds it, and from
// the store otherwise.
func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	fileID := chi.URLParam(r, "fileID")

	if room, ok := a.coordinator.Registry().Lookup(projectID); ok {
		if f, ok := room.File(fileID); ok {
			jsonResponse(w, http.StatusOK, FileResponse{
				ProjectID: projectID,
				FileID:    f.FileID,
				Content:   &f.Content,
				UpdatedBy: f.UpdatedBy,
				UpdatedAt: f.UpdatedAt,
				Source:    sourceRoom,
			})
			return
		}
	}

	f, err := a.database.LoadFile(projectID, fileID)
	if err != nil {
		a.log.Error("Loading file", "project_id", projectID, "file_id", fileID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to load file")
		return
	}
	if f == nil {
		errorResponse(w, http.StatusNotFound, "File not found")
		return
	}

	jsonResponse(w, http.StatusOK, FileResponse{
		ProjectID: f.ProjectID,
		FileID:    f.FileID,
		Content:   &f.Content,
		UpdatedBy: f.UpdatedBy,
		UpdatedAt: f.UpdatedAt,
		Source:    sourceStore,
	})
}

// SaveFileHandler writes to the store only. A live room keeps its own copy and
// the next autosave of an edited file replaces this write.
func (a *API) SaveFileHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	fileID := chi.URLParam(r, "fileID")

	var req SaveFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid file update")
		return
	}

	file := db.File{
		ProjectID: projectID,
		FileID:    fileID,
		Content:   req.Content,
		UpdatedBy: req.UpdatedBy,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.database.SaveFile(file); err != nil {
		a.log.Error("Saving file", "project_id", projectID, "file_id", fileID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	jsonResponse(w, http.StatusOK, FileResponse{
		ProjectID: projectID,
		FileID:    fileID,
		UpdatedBy: file.UpdatedBy,
		UpdatedAt: file.UpdatedAt,
		Source:    sourceStore,
	})
}

// Presence handlers

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if a.presence == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Presence mirror not configured")
		return
	}

	projects, err := a.presence.ActiveProjects(r.Context())
	if err != nil {
		a.log.Warn("Reading presence", "error", err)
		errorResponse(w, http.StatusBadGateway, "Failed to read presence")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}

func (a *API) ProjectPresenceHandler(w http.ResponseWriter, r *http.Request) {
	if a.presence == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Presence mirror not configured")
		return
	}

	projectID := chi.URLParam(r, "projectID")
	participants, err := a.presence.Participants(r.Context(), projectID)
	if err != nil {
		a.log.Warn("Reading presence", "project_id", projectID, "error", err)
		errorResponse(w, http.StatusBadGateway, "Failed to read presence")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"project_id":   projectID,
		"participants": lo.Map(participants, toParticipantResponse),
	})
}
