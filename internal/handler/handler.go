package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genex/genex/internal/generation"
	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/model"
	"github.com/genex/genex/internal/store"
)

// Runner starts background work for a sheet.
type Runner interface {
	Start(ctx context.Context, sheetID string)
	StartRerender(ctx context.Context, sheetID string)
	// CheckRerender returns generation.ErrNotGenerated when the sheet has
	// nothing to render.
	CheckRerender(sheetID string) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	runner  Runner
	pdfDir  string
	pdfBase string
}

// New creates a new Handler. Rendered PDFs in pdfDir are served under pdfBase.
func New(s *store.Store, runner Runner, pdfDir, pdfBase string) *Handler {
	pdfBase = "/" + strings.Trim(pdfBase, "/")
	return &Handler{store: s, runner: runner, pdfDir: pdfDir, pdfBase: pdfBase}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/documents", h.handleUploadDocument)
	r.Post("/projects", h.handleCreateProject)
	r.Delete("/projects/{projectID}", h.handleDeleteProject)
	r.Post("/projects/{projectID}/sheets", h.handleCreateSheet)
	r.Get("/sheets/{sheetID}", h.handleGetSheet)
	r.Get("/sheets/{sheetID}/exercises", h.handleListExercises)
	r.Post("/sheets/{sheetID}/generate", h.handleGenerate)
	r.Post("/sheets/{sheetID}/render", h.handleRender)

	fs := http.StripPrefix(h.pdfBase+"/", http.FileServer(http.Dir(h.pdfDir)))
	r.Handle(h.pdfBase+"/*", fs)
}

type createProjectRequest struct {
	DocumentID string          `json:"document_id"`
	Filename   string          `json:"filename"`
	Text       string          `json:"text"`
	Title      string          `json:"title"`
	Config     json.RawMessage `json:"config"`
}

type startedResponse struct {
	Message string        `json:"message"`
	Project model.Project `json:"project"`
	Sheet   model.Sheet   `json:"sheet"`
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest", err)
		return
	}

	cfg, err := model.ParseGenerationConfig(req.Config)
	if err == nil {
		err = cfg.WithDefaults().Validate()
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidConfig", err)
		return
	}

	docID := req.DocumentID
	if docID == "" {
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest", errors.New("text or document_id required"))
			return
		}
		doc, _, err := h.store.CreateDocument(req.Filename, req.Text)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
			return
		}
		docID = doc.ID
	} else if _, err := h.store.GetDocument(docID); err != nil {
		writeStoreError(w, r, "ErrDocumentNotFound", err)
		return
	}

	p, err := h.store.CreateProject(model.Project{DocumentID: docID, Title: req.Title, Config: cfg})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
		return
	}
	h.startSheet(w, r, p)
}

func (h *Handler) handleCreateSheet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(chi.URLParam(r, "projectID"))
	if err != nil {
		writeStoreError(w, r, "ErrProjectNotFound", err)
		return
	}
	h.startSheet(w, r, p)
}

func (h *Handler) startSheet(w http.ResponseWriter, r *http.Request, p model.Project) {
	sh, err := h.store.CreateSheet(p.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
		return
	}
	h.runner.Start(r.Context(), sh.ID)
	slog.Info("generation started", "project_id", p.ID, "sheet_id", sh.ID)

	writeJSON(w, http.StatusAccepted, startedResponse{
		Message: i18n.T(r.Context(), "GenerationStarted"),
		Project: p,
		Sheet:   sh,
	})
}

func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProject(chi.URLParam(r, "projectID")); err != nil {
		writeStoreError(w, r, "ErrProjectNotFound", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.GetSheetView(chi.URLParam(r, "sheetID"))
	if err != nil {
		writeStoreError(w, r, "ErrSheetNotFound", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListExercises(w http.ResponseWriter, r *http.Request) {
	sheetID := chi.URLParam(r, "sheetID")
	if _, err := h.store.GetSheet(sheetID); err != nil {
		writeStoreError(w, r, "ErrSheetNotFound", err)
		return
	}
	exercises, err := h.store.ListExercises(sheetID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
		return
	}
	if exercises == nil {
		exercises = []model.ExerciseRecord{}
	}
	writeJSON(w, http.StatusOK, exercises)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	h.startExisting(w, r, "GenerationStarted", h.runner.Start)
}

func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	h.startExisting(w, r, "RenderStarted", h.runner.StartRerender, h.runner.CheckRerender)
}

func (h *Handler) startExisting(w http.ResponseWriter, r *http.Request, msgID string, start func(context.Context, string), checks ...func(string) error) {
	sh, err := h.store.GetSheet(chi.URLParam(r, "sheetID"))
	if err != nil {
		writeStoreError(w, r, "ErrSheetNotFound", err)
		return
	}
	for _, check := range checks {
		if err := check(sh.ID); err != nil {
			if errors.Is(err, generation.ErrNotGenerated) {
				writeError(w, r, http.StatusConflict, "ErrNotGenerated", err)
				return
			}
			writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
			return
		}
	}
	start(r.Context(), sh.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": i18n.T(r.Context(), msgID),
		"sheet":   sh,
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, err error) {
	resp := errorResponse{Error: i18n.T(r.Context(), msgID)}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	} else if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeStoreError maps a missing row to 404 with notFoundID as the message.
func writeStoreError(w http.ResponseWriter, r *http.Request, notFoundID string, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, notFoundID, nil)
		return
	}
	writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
}
