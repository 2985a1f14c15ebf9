package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/genex/genex/internal/model"

	_ "modernc.org/sqlite"
)

// SchemaVersion is recorded in the metadata table after migration.
const SchemaVersion = "1"

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS sheets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		pdf_url_questions TEXT,
		pdf_url_answers TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS exercises (
		id TEXT PRIMARY KEY,
		sheet_id TEXT NOT NULL,
		exercise_type TEXT NOT NULL,
		question_text TEXT NOT NULL DEFAULT '',
		correct_answer TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		display_order INTEGER NOT NULL,
		UNIQUE (sheet_id, display_order),
		FOREIGN KEY (sheet_id) REFERENCES sheets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS generation_attempts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		sheet_id TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		raw_response TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (sheet_id) REFERENCES sheets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.recordSchemaVersion()
}

// ContentHash returns the hex BLAKE2b-256 digest used to de-duplicate documents.
func ContentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CreateDocument stores a document unless one with the same text exists.
// It reports whether a new row was created. Concurrent uploads of the same
// text resolve to a single row.
func (s *Store) CreateDocument(filename, text string) (model.Document, bool, error) {
	doc := model.Document{
		ID:          uuid.NewString(),
		Filename:    filename,
		Text:        text,
		ContentHash: ContentHash(text),
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.db.Exec(
		`INSERT INTO documents (id, filename, text, content_hash, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		doc.ID, doc.Filename, doc.Text, doc.ContentHash, doc.CreatedAt,
	)
	if err != nil {
		return model.Document{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Document{}, false, err
	}
	if n == 1 {
		return doc, true, nil
	}
	existing, err := s.getDocumentByHash(doc.ContentHash)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("load existing document: %w", err)
	}
	return existing, false, nil
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(id string) (model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(
		`SELECT id, filename, text, content_hash, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Filename, &d.Text, &d.ContentHash, &d.CreatedAt)
	return d, err
}

func (s *Store) getDocumentByHash(hash string) (model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(
		`SELECT id, filename, text, content_hash, created_at FROM documents WHERE content_hash = ?`, hash,
	).Scan(&d.ID, &d.Filename, &d.Text, &d.ContentHash, &d.CreatedAt)
	return d, err
}

// CreateProject stores a project. ID and CreatedAt are assigned when empty.
func (s *Store) CreateProject(p model.Project) (model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return model.Project{}, fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO projects (id, document_id, title, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.DocumentID, p.Title, string(cfg), p.CreatedAt,
	)
	if err != nil {
		return model.Project{}, err
	}
	return p, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(id string) (model.Project, error) {
	var p model.Project
	var cfg string
	err := s.db.QueryRow(
		`SELECT id, document_id, title, config, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.DocumentID, &p.Title, &cfg, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.Config, err = model.ParseGenerationConfig([]byte(cfg))
	return p, err
}

// DeleteProject removes a project with its sheets, exercises and attempts.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
