package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/genex/genex/internal/model"
)

// CreateSheet creates a DRAFT sheet for a project.
func (s *Store) CreateSheet(projectID string) (model.Sheet, error) {
	now := time.Now().UTC()
	sh := model.Sheet{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    model.SheetDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sheets (id, project_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sh.ID, sh.ProjectID, sh.Status, sh.CreatedAt, sh.UpdatedAt,
	)
	if err != nil {
		return model.Sheet{}, err
	}
	return sh, nil
}

const sheetColumns = `id, project_id, status, pdf_url_questions, pdf_url_answers, created_at, updated_at`

func scanSheet(row interface{ Scan(...any) error }) (model.Sheet, error) {
	var sh model.Sheet
	err := row.Scan(&sh.ID, &sh.ProjectID, &sh.Status, &sh.PDFURLQuestions, &sh.PDFURLAnswers, &sh.CreatedAt, &sh.UpdatedAt)
	return sh, err
}

// GetSheet returns a sheet by ID.
func (s *Store) GetSheet(id string) (model.Sheet, error) {
	return scanSheet(s.db.QueryRow(`SELECT `+sheetColumns+` FROM sheets WHERE id = ?`, id))
}

// ListSheets returns the sheets of a project, oldest first.
func (s *Store) ListSheets(projectID string) ([]model.Sheet, error) {
	rows, err := s.db.Query(`SELECT `+sheetColumns+` FROM sheets WHERE project_id = ? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sheets []model.Sheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sh)
	}
	return sheets, rows.Err()
}

// UpdateSheetStatus sets the sheet status.
func (s *Store) UpdateSheetStatus(id string, status model.SheetStatus) error {
	return s.execOne(`UPDATE sheets SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
}

// StartGeneration marks the sheet GENERATING and clears its PDF URLs.
func (s *Store) StartGeneration(id string) error {
	return s.execOne(
		`UPDATE sheets SET status = ?, pdf_url_questions = NULL, pdf_url_answers = NULL, updated_at = ? WHERE id = ?`,
		model.SheetGenerating, time.Now().UTC(), id,
	)
}

// FailSheet marks the sheet FAILED and clears its PDF URLs.
func (s *Store) FailSheet(id string) error {
	return s.execOne(
		`UPDATE sheets SET status = ?, pdf_url_questions = NULL, pdf_url_answers = NULL, updated_at = ? WHERE id = ?`,
		model.SheetFailed, time.Now().UTC(), id,
	)
}

// CompleteSheet marks the sheet COMPLETED with the given PDF URLs, which may be nil.
func (s *Store) CompleteSheet(id string, questionsURL, answersURL *string) error {
	return s.execOne(
		`UPDATE sheets SET status = ?, pdf_url_questions = ?, pdf_url_answers = ?, updated_at = ? WHERE id = ?`,
		model.SheetCompleted, questionsURL, answersURL, time.Now().UTC(), id,
	)
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
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

// RecordAttempt appends a generation attempt on its own.
func (s *Store) RecordAttempt(a model.GenerationAttempt) (model.GenerationAttempt, error) {
	a = prepareAttempt(a)
	if err := insertAttempt(s.db, a); err != nil {
		return model.GenerationAttempt{}, err
	}
	return a, nil
}

// SaveGeneration writes the attempt and replaces the sheet's exercises in one
// transaction. Returned records carry their assigned IDs.
func (s *Store) SaveGeneration(a model.GenerationAttempt, records []model.ExerciseRecord) ([]model.ExerciseRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a = prepareAttempt(a)
	if err := insertAttempt(tx, a); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM exercises WHERE sheet_id = ?`, a.SheetID); err != nil {
		return nil, fmt.Errorf("clear exercises: %w", err)
	}

	saved := make([]model.ExerciseRecord, 0, len(records))
	for _, r := range records {
		r.ID = uuid.NewString()
		r.SheetID = a.SheetID
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for exercise %d: %w", r.DisplayOrder, err)
		}
		_, err = tx.Exec(
			`INSERT INTO exercises (id, sheet_id, exercise_type, question_text, correct_answer, metadata, display_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SheetID, r.ExerciseType, r.QuestionText, r.CorrectAnswer, string(meta), r.DisplayOrder,
		)
		if err != nil {
			return nil, fmt.Errorf("insert exercise %d: %w", r.DisplayOrder, err)
		}
		saved = append(saved, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func prepareAttempt(a model.GenerationAttempt) model.GenerationAttempt {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return a
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertAttempt(db execer, a model.GenerationAttempt) error {
	_, err := db.Exec(
		`INSERT INTO generation_attempts (id, project_id, sheet_id, model_name, prompt, raw_response, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.SheetID, a.ModelName, a.Prompt, a.RawResponse, a.Status, a.ErrorMessage, a.CreatedAt,
	)
	return err
}

// ListExercises returns a sheet's exercises in display order.
func (s *Store) ListExercises(sheetID string) ([]model.ExerciseRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, sheet_id, exercise_type, question_text, correct_answer, metadata, display_order
		 FROM exercises WHERE sheet_id = ? ORDER BY display_order`, sheetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.ExerciseRecord
	for rows.Next() {
		var r model.ExerciseRecord
		var meta string
		if err := rows.Scan(&r.ID, &r.SheetID, &r.ExerciseType, &r.QuestionText, &r.CorrectAnswer, &meta, &r.DisplayOrder); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for exercise %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListAttempts returns a sheet's generation attempts, oldest first.
const attemptColumns = `id, project_id, sheet_id, model_name, prompt, raw_response, status, error_message, created_at`

func scanAttempt(row interface{ Scan(...any) error }) (model.GenerationAttempt, error) {
	var a model.GenerationAttempt
	err := row.Scan(&a.ID, &a.ProjectID, &a.SheetID, &a.ModelName, &a.Prompt, &a.RawResponse, &a.Status, &a.ErrorMessage, &a.CreatedAt)
	return a, err
}

func (s *Store) ListAttempts(sheetID string) ([]model.GenerationAttempt, error) {
	rows, err := s.db.Query(`SELECT `+attemptColumns+` FROM generation_attempts WHERE sheet_id = ? ORDER BY rowid`, sheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.GenerationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LatestAttempt returns the most recent attempt recorded for a sheet. found is
// false when the sheet has never been generated.
func (s *Store) LatestAttempt(sheetID string) (a model.GenerationAttempt, found bool, err error) {
	a, err = scanAttempt(s.db.QueryRow(
		`SELECT `+attemptColumns+` FROM generation_attempts WHERE sheet_id = ? ORDER BY rowid DESC LIMIT 1`, sheetID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GenerationAttempt{}, false, nil
	}
	if err != nil {
		return model.GenerationAttempt{}, false, err
	}
	return a, true, nil
}

// GetSheetView builds a full view of a sheet with its project, exercises and attempts.
func (s *Store) GetSheetView(sheetID string) (*model.SheetView, error) {
	sh, err := s.GetSheet(sheetID)
	if err != nil {
		return nil, err
	}
	p, err := s.GetProject(sh.ProjectID)
	if err != nil {
		return nil, err
	}
	exercises, err := s.ListExercises(sheetID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.ListAttempts(sheetID)
	if err != nil {
		return nil, err
	}
	return &model.SheetView{
		Sheet:     sh,
		Project:   p,
		Exercises: exercises,
		Attempts:  attempts,
	}, nil
}
