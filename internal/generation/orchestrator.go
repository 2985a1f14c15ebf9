// Package generation drives one generation run from document text to rendered
// exercise sheet.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/genex/genex/internal/exercise"
	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/llm/prompts"
	"github.com/genex/genex/internal/llm/repair"
	"github.com/genex/genex/internal/model"
)

// State is a stage of a generation run.
type State string

const (
	StateBuildingPrompt State = "BUILDING_PROMPT"
	StateCallingAI      State = "CALLING_AI"
	StateRepairing      State = "REPAIRING"
	StateNormalizing    State = "NORMALIZING"
	StatePersisting     State = "PERSISTING"
	StateRendering      State = "RENDERING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

var (
	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage failure")
	// ErrPanic wraps a panic recovered at the orchestrator boundary.
	ErrPanic = errors.New("generation panicked")
	// ErrNotGenerated is returned when a sheet is re-rendered before any
	// generation of it succeeded.
	ErrNotGenerated = errors.New("sheet has no successful generation")
)

// Generator produces raw model text for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Renderer produces the exercise sheet and answer key for a sheet.
type Renderer interface {
	Render(ctx context.Context, sheetID string, exercises []model.ExerciseRecord, title string) (questionsURL, answersURL string, err error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetSheet(id string) (model.Sheet, error)
	GetProject(id string) (model.Project, error)
	GetDocument(id string) (model.Document, error)
	StartGeneration(sheetID string) error
	FailSheet(sheetID string) error
	CompleteSheet(sheetID string, questionsURL, answersURL *string) error
	RecordAttempt(a model.GenerationAttempt) (model.GenerationAttempt, error)
	SaveGeneration(a model.GenerationAttempt, records []model.ExerciseRecord) ([]model.ExerciseRecord, error)
	ListExercises(sheetID string) ([]model.ExerciseRecord, error)
	LatestAttempt(sheetID string) (model.GenerationAttempt, bool, error)
}

// Config bounds the blocking stages of a run. Zero values disable the bound.
type Config struct {
	AITimeout        time.Duration
	RenderTimeout    time.Duration
	MaxDocumentChars int
}

// Result is the outcome of one run. Err is set when State is FAILED.
type Result struct {
	SheetID      string
	State        State
	FailedAt     State
	Status       model.SheetStatus
	Exercises    int
	QuestionsURL string
	AnswersURL   string
	Err          error
}

// Orchestrator runs generation for sheets. Runs for the same sheet are
// serialized; runs for different sheets proceed in parallel.
type Orchestrator struct {
	store    Store
	gen      Generator
	renderer Renderer
	prompts  prompts.Builder
	cfg      Config
	logger   *slog.Logger

	locks sheetLocks
	wg    sync.WaitGroup
}

func New(st Store, gen Generator, renderer Renderer, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		gen:      gen,
		renderer: renderer,
		prompts:  prompts.Builder{MaxDocumentChars: cfg.MaxDocumentChars},
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs generation for a sheet in the background. The run is detached
// from ctx cancellation; use Wait to drain running work.
func (o *Orchestrator) Start(ctx context.Context, sheetID string) {
	o.detach(ctx, func(ctx context.Context) { o.Run(ctx, sheetID) })
}

// StartRerender re-renders a sheet in the background.
func (o *Orchestrator) StartRerender(ctx context.Context, sheetID string) {
	o.detach(ctx, func(ctx context.Context) { o.Rerender(ctx, sheetID) })
}

func (o *Orchestrator) detach(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every run started with Start or StartRerender returns.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run carries the per-run state shared by the stage helpers.
type run struct {
	sheet   model.Sheet
	project model.Project
	state   State
	prompt  string
	raw     string
	log     *slog.Logger
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Info("generation state", "state", s)
}

// Run executes one generation run for the sheet. It never panics and never
// returns an error; the outcome is reflected in the sheet status and Result.
func (o *Orchestrator) Run(ctx context.Context, sheetID string) (res Result) {
	unlock := o.locks.lock(sheetID)
	defer unlock()

	r := &run{state: StateBuildingPrompt, log: o.logger.With("sheet_id", sheetID)}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("generation panicked", "state", r.state, "panic", p, "stack", string(debug.Stack()))
			res = o.fail(r, sheetID, fmt.Errorf("%w: %v", ErrPanic, p), false)
		}
	}()

	if err := o.load(r, sheetID); err != nil {
		return o.fail(r, sheetID, err, false)
	}
	if err := o.store.StartGeneration(sheetID); err != nil {
		return o.fail(r, sheetID, fmt.Errorf("%w: mark generating: %v", ErrStorage, err), false)
	}

	r.enter(StateBuildingPrompt)
	cfg := r.project.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return o.fail(r, sheetID, err, true)
	}
	doc, err := o.store.GetDocument(r.project.DocumentID)
	if err != nil {
		return o.fail(r, sheetID, fmt.Errorf("%w: load document: %v", ErrStorage, err), false)
	}
	r.prompt = o.prompts.Build(doc.Text, cfg)

	r.enter(StateCallingAI)
	r.raw, err = o.generate(ctx, r.prompt)
	if err != nil {
		return o.fail(r, sheetID, err, true)
	}

	r.enter(StateRepairing)
	payload, err := repair.Repair(r.raw)
	if err != nil {
		return o.fail(r, sheetID, err, true)
	}

	r.enter(StateNormalizing)
	records, err := exercise.Normalize(payload)
	if err != nil {
		return o.fail(r, sheetID, err, true)
	}

	r.enter(StatePersisting)
	saved, err := o.store.SaveGeneration(model.GenerationAttempt{
		ProjectID:   r.project.ID,
		SheetID:     sheetID,
		ModelName:   o.gen.Name(),
		Prompt:      r.prompt,
		RawResponse: r.raw,
		Status:      model.AttemptSuccess,
	}, records)
	if err != nil {
		return o.fail(r, sheetID, fmt.Errorf("%w: save generation: %v", ErrStorage, err), false)
	}

	if len(saved) == 0 {
		r.log.Warn("model returned no exercises")
		if err := o.store.CompleteSheet(sheetID, nil, nil); err != nil {
			return o.fail(r, sheetID, fmt.Errorf("%w: complete sheet: %v", ErrStorage, err), false)
		}
		r.enter(StateDone)
		return Result{SheetID: sheetID, State: StateDone, Status: model.SheetCompleted}
	}

	lctx := i18n.WithLang(ctx, cfg.Output.Language)
	return o.render(lctx, r, sheetID, saved)
}

// CheckRerender reports whether a sheet has exercises that can be rendered
// again. It returns ErrNotGenerated when no generation of the sheet succeeded.
func (o *Orchestrator) CheckRerender(sheetID string) error {
	records, err := o.store.ListExercises(sheetID)
	if err != nil {
		return fmt.Errorf("%w: list exercises: %v", ErrStorage, err)
	}
	return o.rerenderable(sheetID, len(records))
}

// rerenderable accepts a sheet with persisted exercises, or one whose latest
// attempt succeeded with an empty exercise list.
func (o *Orchestrator) rerenderable(sheetID string, exercises int) error {
	if exercises > 0 {
		return nil
	}
	latest, found, err := o.store.LatestAttempt(sheetID)
	if err != nil {
		return fmt.Errorf("%w: latest attempt: %v", ErrStorage, err)
	}
	if !found || latest.Status != model.AttemptSuccess {
		return ErrNotGenerated
	}
	return nil
}

// Rerender renders the persisted exercises of a sheet again without calling
// the model. Output locations are stable, so it can be retried freely. A sheet
// that was never generated successfully is left untouched.
func (o *Orchestrator) Rerender(ctx context.Context, sheetID string) (res Result) {
	unlock := o.locks.lock(sheetID)
	defer unlock()

	r := &run{state: StateRendering, log: o.logger.With("sheet_id", sheetID, "rerender", true)}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("rerender panicked", "panic", p, "stack", string(debug.Stack()))
			res = o.fail(r, sheetID, fmt.Errorf("%w: %v", ErrPanic, p), false)
		}
	}()

	if err := o.load(r, sheetID); err != nil {
		return o.fail(r, sheetID, err, false)
	}
	records, err := o.store.ListExercises(sheetID)
	if err != nil {
		return o.fail(r, sheetID, fmt.Errorf("%w: list exercises: %v", ErrStorage, err), false)
	}
	if err := o.rerenderable(sheetID, len(records)); err != nil {
		if errors.Is(err, ErrNotGenerated) {
			r.log.Warn("rerender refused", "status", r.sheet.Status)
			return Result{SheetID: sheetID, State: StateFailed, FailedAt: StateRendering, Status: r.sheet.Status, Err: err}
		}
		return o.fail(r, sheetID, err, false)
	}
	if len(records) == 0 {
		if err := o.store.CompleteSheet(sheetID, nil, nil); err != nil {
			return o.fail(r, sheetID, fmt.Errorf("%w: complete sheet: %v", ErrStorage, err), false)
		}
		return Result{SheetID: sheetID, State: StateDone, Status: model.SheetCompleted}
	}

	lang := r.project.Config.WithDefaults().Output.Language
	return o.render(i18n.WithLang(ctx, lang), r, sheetID, records)
}

func (o *Orchestrator) load(r *run, sheetID string) error {
	sheet, err := o.store.GetSheet(sheetID)
	if err != nil {
		return fmt.Errorf("%w: load sheet: %v", ErrStorage, err)
	}
	project, err := o.store.GetProject(sheet.ProjectID)
	if err != nil {
		return fmt.Errorf("%w: load project: %v", ErrStorage, err)
	}
	r.sheet, r.project = sheet, project
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string) (string, error) {
	if o.cfg.AITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AITimeout)
		defer cancel()
	}
	return o.gen.Generate(ctx, prompt)
}

func (o *Orchestrator) render(ctx context.Context, r *run, sheetID string, records []model.ExerciseRecord) Result {
	r.enter(StateRendering)
	if o.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RenderTimeout)
		defer cancel()
	}
	qURL, aURL, err := o.renderer.Render(ctx, sheetID, records, r.project.Title)
	if err != nil {
		res := o.fail(r, sheetID, err, false)
		res.Exercises = len(records)
		return res
	}
	if err := o.store.CompleteSheet(sheetID, &qURL, &aURL); err != nil {
		res := o.fail(r, sheetID, fmt.Errorf("%w: complete sheet: %v", ErrStorage, err), false)
		res.Exercises = len(records)
		return res
	}

	r.enter(StateDone)
	return Result{
		SheetID:      sheetID,
		State:        StateDone,
		Status:       model.SheetCompleted,
		Exercises:    len(records),
		QuestionsURL: qURL,
		AnswersURL:   aURL,
	}
}

// fail records the failure and marks the sheet FAILED. With audit set, a
// FAILED generation attempt holding the prompt and raw text is appended.
func (o *Orchestrator) fail(r *run, sheetID string, cause error, audit bool) Result {
	res := Result{SheetID: sheetID, State: StateFailed, FailedAt: r.state, Status: model.SheetFailed, Err: cause}

	if audit {
		_, err := o.store.RecordAttempt(model.GenerationAttempt{
			ProjectID:    r.project.ID,
			SheetID:      sheetID,
			ModelName:    o.gen.Name(),
			Prompt:       r.prompt,
			RawResponse:  r.raw,
			Status:       model.AttemptFailed,
			ErrorMessage: cause.Error(),
		})
		if err != nil {
			r.log.Error("record failed attempt", "error", err)
			res.Err = errors.Join(cause, fmt.Errorf("%w: record attempt: %v", ErrStorage, err))
		}
	}
	if r.sheet.ID != "" {
		if err := o.store.FailSheet(sheetID); err != nil {
			r.log.Error("mark sheet failed", "error", err)
			res.Err = errors.Join(res.Err, fmt.Errorf("%w: mark failed: %v", ErrStorage, err))
		}
	}

	r.log.Error("generation failed", "state", r.state, "error", cause)
	r.state = StateFailed
	return res
}
