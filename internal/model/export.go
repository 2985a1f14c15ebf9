package model

import "time"

// SheetExport is the top-level JSON structure for exporting a generated sheet.
type SheetExport struct {
	SheetID         string           `json:"sheet_id"`
	ProjectTitle    string           `json:"project_title"`
	Status          SheetStatus      `json:"status"`
	PDFURLQuestions string           `json:"pdf_url_questions,omitempty"`
	PDFURLAnswers   string           `json:"pdf_url_answers,omitempty"`
	ExportedAt      time.Time        `json:"exported_at"`
	Exercises       []ExerciseExport `json:"exercises"`
	Attempts        []AttemptExport  `json:"attempts"`
}

// ExerciseExport holds per-exercise data for export.
type ExerciseExport struct {
	Order         int      `json:"order"`
	Type          string   `json:"type"`
	Question      string   `json:"question"`
	Choices       []string `json:"choices,omitempty"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
}

// AttemptExport summarizes a generation attempt without the full prompt.
type AttemptExport struct {
	ModelName    string        `json:"model_name"`
	Status       AttemptStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	PromptChars  int           `json:"prompt_chars"`
	RawChars     int           `json:"raw_chars"`
	At           time.Time     `json:"at"`
}
