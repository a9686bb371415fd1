package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/automerge-docs/pkg/store"
	"github.com/astromechza/automerge-docs/pkg/viz"
)

const defaultTitle = "New Document"

type createRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type deleteResponse struct {
	Success bool `json:"success"`
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, msg string) {
	writeJSON(writer, status, errorResponse{Error: msg})
}

func (s *Server) listDocuments(writer http.ResponseWriter, request *http.Request) {
	docs, err := s.docs.List(request.Context())
	if err != nil {
		slog.Error("failed to list documents", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(writer, http.StatusOK, docs)
}

func (s *Server) createDocument(writer http.ResponseWriter, request *http.Request) {
	var body createRequest
	if request.Body != nil {
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(writer, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	body.ID = strings.TrimSpace(body.ID)
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.Title == "" {
		body.Title = defaultTitle
	}

	doc, err := s.docs.Create(request.Context(), body.ID, body.Title)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(writer, http.StatusConflict, "document already exists")
			return
		}
		slog.Error("failed to create document", "doc", body.ID, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to create document")
		return
	}
	writeJSON(writer, http.StatusCreated, doc)
}

func (s *Server) getDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	doc, err := s.docs.Get(request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(writer, http.StatusNotFound, "document not found")
			return
		}
		slog.Error("failed to get document", "doc", id, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to get document")
		return
	}
	writeJSON(writer, http.StatusOK, doc)
}

// deleteDocument removes the record before evicting the live replica so a
// pending background write finds nothing to persist.
func (s *Server) deleteDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	if err := s.docs.Delete(request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(writer, http.StatusNotFound, "document not found")
			return
		}
		slog.Error("failed to delete document", "doc", id, "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to delete document")
		return
	}
	s.registry.Remove(id)
	writeJSON(writer, http.StatusOK, deleteResponse{Success: true})
}

// snapshot returns the live state of id when loaded and the stored one
// otherwise.
func (s *Server) snapshot(request *http.Request, id string) ([]byte, error) {
	if raw, ok := s.registry.Snapshot(id); ok {
		return raw, nil
	}
	raw, err := s.docs.LoadContent(request.Context(), id)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return automerge.New().Save(), nil
	}
	return raw, nil
}

func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	raw, err := s.snapshot(request, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load snapshot", "doc", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) getHistory(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	raw, err := s.snapshot(request, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load snapshot", "doc", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		slog.Error("failed to load doc", "doc", id, "err", err)
		writer.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderHistory(doc, &buff); err != nil {
		slog.Error("failed to render", "doc", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
