package store

import (
	"fmt"
	"time"

	"github.com/genex/genex/internal/model"
)

// ExportSheet builds an export-ready summary of a sheet.
func (s *Store) ExportSheet(sheetID string) (model.SheetExport, error) {
	view, err := s.GetSheetView(sheetID)
	if err != nil {
		return model.SheetExport{}, fmt.Errorf("get sheet %s: %w", sheetID, err)
	}

	out := model.SheetExport{
		SheetID:      view.Sheet.ID,
		ProjectTitle: view.Project.Title,
		Status:       view.Sheet.Status,
		ExportedAt:   time.Now().UTC(),
		Exercises:    []model.ExerciseExport{},
		Attempts:     []model.AttemptExport{},
	}
	if view.Sheet.PDFURLQuestions != nil {
		out.PDFURLQuestions = *view.Sheet.PDFURLQuestions
	}
	if view.Sheet.PDFURLAnswers != nil {
		out.PDFURLAnswers = *view.Sheet.PDFURLAnswers
	}

	for _, ex := range view.Exercises {
		out.Exercises = append(out.Exercises, model.ExerciseExport{
			Order:         ex.DisplayOrder,
			Type:          ex.ExerciseType,
			Question:      ex.QuestionText,
			Choices:       ex.Metadata.Choices,
			CorrectAnswer: ex.CorrectAnswer,
			Explanation:   ex.Metadata.Explanation,
			Difficulty:    ex.Metadata.Difficulty,
		})
	}
	for _, a := range view.Attempts {
		out.Attempts = append(out.Attempts, model.AttemptExport{
			ModelName:    a.ModelName,
			Status:       a.Status,
			ErrorMessage: a.ErrorMessage,
			PromptChars:  len([]rune(a.Prompt)),
			RawChars:     len([]rune(a.RawResponse)),
			At:           a.CreatedAt,
		})
	}
	return out, nil
}
