package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/model"
)

const maxDocumentUpload = 10 << 20

type documentResponse struct {
	Message  string         `json:"message"`
	Document model.Document `json:"document"`
	Created  bool           `json:"created"`
}

// handleUploadDocument stores an OCR'd text file. Identical text is stored
// once; re-uploads return the existing document.
func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxDocumentUpload); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
		return
	}
	if !utf8.Valid(data) || strings.TrimSpace(string(data)) == "" {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest", errors.New("file must be non-empty UTF-8 text"))
		return
	}

	doc, created, err := h.store.CreateDocument(header.Filename, string(data))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal", err)
		return
	}
	if created {
		slog.Info("stored document", "filename", header.Filename, "document_id", doc.ID)
	} else {
		slog.Info("document unchanged, reusing", "filename", header.Filename, "document_id", doc.ID)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, documentResponse{
		Message:  i18n.T(r.Context(), "DocumentStored"),
		Document: doc,
		Created:  created,
	})
}
