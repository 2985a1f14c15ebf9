// Package render writes exercise sheets and answer keys as PDF files.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/model"
)

// RenderError is returned when either document cannot be produced.
type RenderError struct {
	SheetID string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render sheet %s: %v", e.SheetID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

type Config struct {
	Dir        string
	BaseURL    string
	PageSize   string
	MarginsMM  float64
	FontFamily string
	Lang       string
	Timeout    time.Duration
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		Dir:        "generated_pdfs",
		BaseURL:    "/generated_pdfs",
		PageSize:   "A4",
		MarginsMM:  15,
		FontFamily: "Helvetica",
		Lang:       "en",
		Timeout:    time.Minute,
	}
}

type PDFRenderer struct {
	cfg    Config
	logger *slog.Logger
}

func NewPDFRenderer(cfg Config, logger *slog.Logger) *PDFRenderer {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.PageSize == "" {
		cfg.PageSize = def.PageSize
	}
	if cfg.MarginsMM <= 0 {
		cfg.MarginsMM = def.MarginsMM
	}
	if cfg.FontFamily == "" {
		cfg.FontFamily = def.FontFamily
	}
	if cfg.Lang == "" {
		cfg.Lang = def.Lang
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFRenderer{cfg: cfg, logger: logger}
}

// QuestionsFile and AnswersFile name the two documents of a sheet.
func QuestionsFile(sheetID string) string { return "exercices_" + sheetID + ".pdf" }
func AnswersFile(sheetID string) string   { return "corrige_" + sheetID + ".pdf" }

// Render writes both documents for a sheet and returns their URLs. Output
// paths depend only on sheetID, so rendering again overwrites the same files.
func (r *PDFRenderer) Render(ctx context.Context, sheetID string, exercises []model.ExerciseRecord, title string) (string, string, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return "", "", &RenderError{SheetID: sheetID, Err: fmt.Errorf("create output dir: %w", err)}
	}

	ordered := make([]model.ExerciseRecord, len(exercises))
	copy(ordered, exercises)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].DisplayOrder < ordered[j].DisplayOrder })

	lctx := ctx
	if !i18n.HasLocalizer(ctx) {
		lctx = i18n.WithLang(ctx, r.cfg.Lang)
	}
	if strings.TrimSpace(title) == "" {
		title = i18n.T(lctx, "SheetTitle")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.write(gctx, filepath.Join(r.cfg.Dir, QuestionsFile(sheetID)), func(pdf *fpdf.Fpdf, tr func(string) string) {
			r.questions(lctx, pdf, tr, ordered, title)
		})
	})
	g.Go(func() error {
		return r.write(gctx, filepath.Join(r.cfg.Dir, AnswersFile(sheetID)), func(pdf *fpdf.Fpdf, tr func(string) string) {
			r.answers(lctx, pdf, tr, ordered, i18n.Td(lctx, "AnswerKeyTitle", map[string]any{"Title": title}))
		})
	})
	if err := g.Wait(); err != nil {
		return "", "", &RenderError{SheetID: sheetID, Err: err}
	}

	r.logger.Info("rendered sheet", "sheet_id", sheetID, "exercises", len(ordered), "dir", r.cfg.Dir)
	return path.Join(r.cfg.BaseURL, QuestionsFile(sheetID)), path.Join(r.cfg.BaseURL, AnswersFile(sheetID)), nil
}

// write builds one document and moves it into place once complete.
func (r *PDFRenderer) write(ctx context.Context, dest string, body func(*fpdf.Fpdf, func(string) string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pdf := fpdf.New("P", "mm", r.cfg.PageSize, "")
	pdf.SetMargins(r.cfg.MarginsMM, r.cfg.MarginsMM, r.cfg.MarginsMM)
	pdf.SetAutoPageBreak(true, r.cfg.MarginsMM)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	body(pdf, tr)
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("build %s: %w", filepath.Base(dest), err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := dest + ".tmp"
	if err := pdf.OutputFileAndClose(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move %s: %w", filepath.Base(dest), err)
	}
	return nil
}

func (r *PDFRenderer) header(pdf *fpdf.Fpdf, tr func(string) string, title string) {
	pdf.SetTitle(title, true)
	pdf.AddPage()
	pdf.SetFont(r.cfg.FontFamily, "B", 18)
	pdf.MultiCell(0, 10, tr(title), "", "C", false)
	pdf.Ln(6)
}

func (r *PDFRenderer) sectionHeading(ctx context.Context, pdf *fpdf.Fpdf, tr func(string) string, exerciseType string) {
	pdf.SetFont(r.cfg.FontFamily, "B", 13)
	pdf.CellFormat(0, 9, tr(i18n.TypeLabel(ctx, exerciseType)), "B", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func (r *PDFRenderer) questions(ctx context.Context, pdf *fpdf.Fpdf, tr func(string) string, exercises []model.ExerciseRecord, title string) {
	r.header(pdf, tr, title)
	prevType := ""
	for i, ex := range exercises {
		if ex.ExerciseType != prevType {
			r.sectionHeading(ctx, pdf, tr, ex.ExerciseType)
			prevType = ex.ExerciseType
		}
		pdf.SetFont(r.cfg.FontFamily, "B", 11)
		pdf.CellFormat(0, 7, tr(i18n.Td(ctx, "ExerciseN", map[string]any{"N": i + 1})), "", 1, "L", false, 0, "")
		pdf.SetFont(r.cfg.FontFamily, "", 11)
		pdf.MultiCell(0, 6, tr(ex.QuestionText), "", "L", false)
		for j, choice := range ex.Metadata.Choices {
			pdf.MultiCell(0, 6, tr(fmt.Sprintf("   %c) %s", 'a'+rune(j%26), choice)), "", "L", false)
		}
		if len(ex.Metadata.Choices) == 0 {
			pdf.SetFont(r.cfg.FontFamily, "I", 10)
			pdf.MultiCell(0, 6, tr(i18n.T(ctx, "AnswerSpace")+" ________________________________"), "", "L", false)
		}
		pdf.Ln(4)
	}
}

func (r *PDFRenderer) answers(ctx context.Context, pdf *fpdf.Fpdf, tr func(string) string, exercises []model.ExerciseRecord, title string) {
	r.header(pdf, tr, title)
	caser := cases.Title(language.Und)
	prevType := ""
	for i, ex := range exercises {
		if ex.ExerciseType != prevType {
			r.sectionHeading(ctx, pdf, tr, ex.ExerciseType)
			prevType = ex.ExerciseType
		}
		pdf.SetFont(r.cfg.FontFamily, "B", 11)
		heading := i18n.Td(ctx, "ExerciseN", map[string]any{"N": i + 1})
		if d := ex.Metadata.Difficulty; d != "" {
			heading += " (" + i18n.T(ctx, "Difficulty") + ": " + caser.String(strings.ToLower(d)) + ")"
		}
		pdf.CellFormat(0, 7, tr(heading), "", 1, "L", false, 0, "")
		pdf.SetFont(r.cfg.FontFamily, "", 11)
		pdf.MultiCell(0, 6, tr(ex.QuestionText), "", "L", false)
		pdf.SetFont(r.cfg.FontFamily, "B", 11)
		pdf.MultiCell(0, 6, tr(i18n.T(ctx, "Answer")+": "+ex.CorrectAnswer), "", "L", false)
		if ex.Metadata.Explanation != "" {
			pdf.SetFont(r.cfg.FontFamily, "I", 10)
			pdf.MultiCell(0, 6, tr(i18n.T(ctx, "Explanation")+": "+ex.Metadata.Explanation), "", "L", false)
		}
		pdf.Ln(4)
	}
}
