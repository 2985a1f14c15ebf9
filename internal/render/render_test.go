package render

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/model"
)

func testExercises() []model.ExerciseRecord {
	return []model.ExerciseRecord{
		{
			ExerciseType:  "OPEN",
			QuestionText:  "Prove that a²+b²=c² for a right triangle.",
			CorrectAnswer: "Use similar triangles.",
			DisplayOrder:  1,
		},
		{
			ExerciseType:  "MCQ",
			QuestionText:  "What is a²+b²?",
			CorrectAnswer: "c²",
			Metadata: model.ExerciseMetadata{
				Choices:     []string{"c²", "2c"},
				Explanation: "Pythagorean theorem",
				Difficulty:  "EASY",
			},
			DisplayOrder: 0,
		},
	}
}

func newTestRenderer(t *testing.T, lang string) (*PDFRenderer, string) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	dir := t.TempDir()
	return NewPDFRenderer(Config{Dir: dir, Lang: lang}, nil), dir
}

func assertPDF(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Errorf("%s is not a PDF", filepath.Base(path))
	}
}

func TestRender(t *testing.T) {
	r, dir := newTestRenderer(t, "en")

	qURL, aURL, err := r.Render(context.Background(), "sheet-1", testExercises(), "Geometry")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if qURL != "/generated_pdfs/exercices_sheet-1.pdf" {
		t.Errorf("unexpected questions URL %q", qURL)
	}
	if aURL != "/generated_pdfs/corrige_sheet-1.pdf" {
		t.Errorf("unexpected answers URL %q", aURL)
	}
	assertPDF(t, filepath.Join(dir, QuestionsFile("sheet-1")))
	assertPDF(t, filepath.Join(dir, AnswersFile("sheet-1")))

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestRenderIsRepeatable(t *testing.T) {
	r, dir := newTestRenderer(t, "fr")

	for i := 0; i < 2; i++ {
		if _, _, err := r.Render(context.Background(), "sheet-2", testExercises(), ""); err != nil {
			t.Fatalf("Render #%d: %v", i+1, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected exactly 2 files after re-render, got %d", len(entries))
	}
}

func TestRenderEmptySheet(t *testing.T) {
	r, dir := newTestRenderer(t, "en")

	if _, _, err := r.Render(context.Background(), "empty", nil, "Empty"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	assertPDF(t, filepath.Join(dir, QuestionsFile("empty")))
}

func TestRenderBadOutputDir(t *testing.T) {
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := NewPDFRenderer(Config{Dir: filepath.Join(file, "pdfs")}, nil)

	_, _, err := r.Render(context.Background(), "sheet-3", testExercises(), "Geometry")
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if rerr.SheetID != "sheet-3" {
		t.Errorf("unexpected sheet id %q", rerr.SheetID)
	}
}

func TestRenderCancelled(t *testing.T) {
	r, _ := newTestRenderer(t, "en")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Render(ctx, "sheet-4", testExercises(), "Geometry")
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
