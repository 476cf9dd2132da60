package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
)

// Direct uploads are spooled by the storage layer, so the only hard cap
// here is on the multipart form's in-memory portion.
const uploadMemoryLimit = 8 << 20

const signedPutTTL = 15 * time.Minute

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	files, err := s.store.ListFiles(r.Context(), prefix, queryLimit(r, 100))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, fileJSON(f))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUploadFile ingests a multipart upload. The file part is required;
// key defaults to the client filename.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		badRequest(w, "multipart form expected")
		return
	}
	part, hdr, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file part is required")
		return
	}
	defer part.Close()

	key := strings.TrimSpace(r.FormValue("key"))
	if key == "" {
		key = hdr.Filename
	}
	if key == "" {
		badRequest(w, "key is required when the part carries no filename")
		return
	}
	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj, err := s.storage.PutFile(r.Context(), part, contentType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	f := &db.File{
		Key:         key,
		StorageKey:  obj.StorageKey,
		Size:        obj.Size,
		ContentType: contentType,
		ContentHash: obj.SHA256,
		ETag:        sql.NullString{String: obj.ETag, Valid: obj.ETag != ""},
	}
	if meta := r.FormValue("metadata"); meta != "" {
		if !json.Valid([]byte(meta)) {
			badRequest(w, "metadata must be valid JSON")
			return
		}
		f.Metadata = sql.NullString{String: meta, Valid: true}
	}
	if err := s.store.CreateFile(r.Context(), f); err != nil {
		// The object is content addressed; a duplicate key leaves it
		// for the row that owns it.
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileJSON(f))
}

// handleUploadURL presigns a direct-to-storage upload. Drivers without
// presign support answer 501 and clients fall back to POST /files.
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentType string `json:"content_type"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	key := s.storage.StagingKey(uuid.NewString())
	url, err := s.storage.SignedPutURL(r.Context(), key, signedPutTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_url":  url,
		"storage_key": key,
		"expires_in":  int(signedPutTTL.Seconds()),
	})
}

type commitFileRequest struct {
	Key         string          `json:"key"`
	StorageKey  string          `json:"storage_key"`
	ContentType string          `json:"content_type"`
	Metadata    json.RawMessage `json:"metadata"`
}

// handleCommitFile registers an object uploaded through a presigned URL.
// The object must already exist; size and checksum come from the store,
// not the client.
func (s *Server) handleCommitFile(w http.ResponseWriter, r *http.Request) {
	var req commitFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" || req.StorageKey == "" {
		badRequest(w, "key and storage_key are required")
		return
	}
	head, err := s.storage.Head(r.Context(), req.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusConflict, "CONFLICT", "storage object has not been uploaded")
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = head.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	f := &db.File{
		Key:         req.Key,
		StorageKey:  req.StorageKey,
		Size:        head.Size,
		ContentType: contentType,
		ContentHash: head.ChecksumSHA256Hex,
		ETag:        sql.NullString{String: head.ETag, Valid: head.ETag != ""},
	}
	if len(req.Metadata) > 0 {
		f.Metadata = sql.NullString{String: string(req.Metadata), Valid: true}
	}
	if err := s.store.CreateFile(r.Context(), f); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileJSON(f))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileJSON(f))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.DeleteFile(r.Context(), f.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.reapStorageObject(r, f.StorageKey)
	w.WriteHeader(http.StatusNoContent)
}

// reapStorageObject removes the physical object once no file row points at
// it. Content addressing means rows can share objects, so the last
// reference pays for the delete. Failures are logged, not surfaced; an
// orphaned object is recoverable, a failed API delete is confusing.
func (s *Server) reapStorageObject(r *http.Request, storageKey string) {
	n, err := s.store.CountFilesByStorageKey(r.Context(), storageKey)
	if err != nil {
		s.log.Warn("count storage refs", "storage_key", storageKey, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.storage.Del(r.Context(), storageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("delete storage object", "storage_key", storageKey, "error", err)
	}
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body, err := s.storage.GetStream(r.Context(), f.StorageKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	if f.ETag.Valid {
		w.Header().Set("ETag", `"`+f.ETag.String+`"`)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(f.Key)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("file stream interrupted", "file_id", f.ID, "error", err)
	}
}

// downloadName keeps only the last path element of a key for the
// attachment filename.
func downloadName(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 && i < len(key)-1 {
		return key[i+1:]
	}
	return key
}

type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

// handleBatchDeleteFiles deletes files one at a time and reports per-item
// outcomes; one refused delete must not undo the rest.
func (s *Server) handleBatchDeleteFiles(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		badRequest(w, "ids is required")
		return
	}
	deleted := make([]string, 0, len(req.IDs))
	failed := make([]map[string]any, 0)
	for _, id := range req.IDs {
		f, err := s.store.GetFile(r.Context(), id)
		if err == nil {
			err = s.store.DeleteFile(r.Context(), id)
		}
		if err != nil {
			failed = append(failed, map[string]any{"id": id, "error": deleteFailureCode(err)})
			continue
		}
		s.reapStorageObject(r, f.StorageKey)
		deleted = append(deleted, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "failed": failed})
}

func deleteFailureCode(err error) string {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, db.ErrInUse):
		return "IN_USE"
	default:
		return "INTERNAL"
	}
}

type batchMoveRequest struct {
	Moves []struct {
		ID     string `json:"id"`
		NewKey string `json:"new_key"`
	} `json:"moves"`
}

// handleBatchMoveFiles renames file keys. Renames change archive entry
// names, so affected bundles are queued for rebuild.
func (s *Server) handleBatchMoveFiles(w http.ResponseWriter, r *http.Request) {
	var req batchMoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Moves) == 0 {
		badRequest(w, "moves is required")
		return
	}
	for _, mv := range req.Moves {
		if mv.ID == "" || strings.TrimSpace(mv.NewKey) == "" {
			badRequest(w, "each move needs id and new_key")
			return
		}
	}
	moved := make([]string, 0, len(req.Moves))
	for _, mv := range req.Moves {
		if err := s.store.RenameFile(r.Context(), mv.ID, strings.TrimSpace(mv.NewKey)); err != nil {
			s.respondError(w, r, err)
			return
		}
		moved = append(moved, mv.ID)
	}
	s.scheduler.ScheduleForFiles(r.Context(), moved)
	writeJSON(w, http.StatusOK, map[string]any{"moved": moved})
}
