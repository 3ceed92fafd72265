package db

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Authoritative project store. The collaboration core never calls it; the
// HTTP API and the autosave service do.
type Database struct {
	db  *sql.DB
	log *slog.Logger
}

type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type File struct {
	ProjectID string    `json:"project_id"`
	FileID    string    `json:"file_id"`
	Content   string    `json:"content"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string, log *slog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info("Database initialized", "path", dbPath)
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS project_files (
		project_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		content TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, file_id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Project operations

func (d *Database) CreateProject(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO projects (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetProject(id string) (*Project, error) {
	row := d.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM projects WHERE id = ?",
		id,
	)

	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListProjects(limit, offset int) ([]Project, error) {
	rows, err := d.db.Query(
		"SELECT id, name, created_at, updated_at FROM projects ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (d *Database) touchProject(id string) error {
	_, err := d.db.Exec(
		"UPDATE projects SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteProject removes the project and its files. Foreign key enforcement is
// per connection in sqlite, so files are deleted explicitly.
func (d *Database) DeleteProject(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM project_files WHERE project_id = ?", id)
	if err != nil {
		return err
	}
	files, _ := res.RowsAffected()
	if _, err := tx.Exec("DELETE FROM projects WHERE id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		d.log.Error("Project delete failed", "project_id", id, "error", err)
		return err
	}
	d.log.Info("Project deleted", "project_id", id, "files", files)
	return nil
}

// File operations

// SaveFile upserts the content of a file. An older write never replaces a
// newer one, so a late autosave cannot clobber an API save.
func (d *Database) SaveFile(f File) error {
	// Ensure project exists
	if err := d.CreateProject(f.ProjectID, ""); err != nil {
		return err
	}

	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}

	res, err := d.db.Exec(`
		INSERT INTO project_files (project_id, file_id, content, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, file_id) DO UPDATE SET
			content = excluded.content,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= project_files.updated_at
	`, f.ProjectID, f.FileID, f.Content, f.UpdatedBy, f.UpdatedAt.UTC())
	if err != nil {
		d.log.Error("File save failed", "project_id", f.ProjectID, "file_id", f.FileID, "error", err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		d.log.Debug("Stale file write ignored", "project_id", f.ProjectID, "file_id", f.FileID,
			"updated_at", f.UpdatedAt)
		return nil
	}

	return d.touchProject(f.ProjectID)
}

func (d *Database) LoadFile(projectID, fileID string) (*File, error) {
	row := d.db.QueryRow(`
		SELECT project_id, file_id, content, updated_by, updated_at
		FROM project_files WHERE project_id = ? AND file_id = ?
	`, projectID, fileID)

	var f File
	err := row.Scan(&f.ProjectID, &f.FileID, &f.Content, &f.UpdatedBy, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns the files of a project without their content.
func (d *Database) ListFiles(projectID string) ([]File, error) {
	rows, err := d.db.Query(`
		SELECT project_id, file_id, updated_by, updated_at
		FROM project_files WHERE project_id = ?
		ORDER BY file_id ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ProjectID, &f.FileID, &f.UpdatedBy, &f.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var projectCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM projects").Scan(&projectCount); err != nil {
		return nil, err
	}
	stats["project_count"] = projectCount

	var fileCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM project_files").Scan(&fileCount); err != nil {
		return nil, err
	}
	stats["file_count"] = fileCount

	return stats, nil
}
