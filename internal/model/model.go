package model

import "time"

// SheetStatus represents the lifecycle state of an exercise sheet.
type SheetStatus string

const (
	SheetDraft      SheetStatus = "DRAFT"
	SheetGenerating SheetStatus = "GENERATING"
	SheetCompleted  SheetStatus = "COMPLETED"
	SheetFailed     SheetStatus = "FAILED"
)

// AttemptStatus is the outcome recorded for one generation run.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
)

// Document is the OCR'd source text a project is built from.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Text        string    `json:"text"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project binds a document to the generation config requested for it.
type Project struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"document_id"`
	Title      string           `json:"title"`
	Config     GenerationConfig `json:"config"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Sheet holds one generation run's exercises and rendered PDF references.
type Sheet struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	Status          SheetStatus `json:"status"`
	PDFURLQuestions *string     `json:"pdf_url_questions,omitempty"`
	PDFURLAnswers   *string     `json:"pdf_url_answers,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ExerciseMetadata is the free-form part of an exercise record.
type ExerciseMetadata struct {
	Choices     []string       `json:"choices,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Difficulty  string         `json:"difficulty_level,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ExerciseRecord is one persisted question of a sheet.
type ExerciseRecord struct {
	ID            string           `json:"id"`
	SheetID       string           `json:"sheet_id"`
	ExerciseType  string           `json:"exercise_type"`
	QuestionText  string           `json:"question_text"`
	CorrectAnswer string           `json:"correct_answer"`
	Metadata      ExerciseMetadata `json:"exercise_metadata"`
	DisplayOrder  int              `json:"display_order"`
}

// GenerationAttempt is the append-only audit record of one orchestrator run.
type GenerationAttempt struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	SheetID      string        `json:"sheet_id"`
	ModelName    string        `json:"model_name"`
	Prompt       string        `json:"prompt"`
	RawResponse  string        `json:"raw_response"`
	Status       AttemptStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SheetView combines a sheet with its project, exercises and attempts for display.
type SheetView struct {
	Sheet     Sheet               `json:"sheet"`
	Project   Project             `json:"project"`
	Exercises []ExerciseRecord    `json:"exercises"`
	Attempts  []GenerationAttempt `json:"attempts"`
}
