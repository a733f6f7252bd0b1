package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"syncpad/internal/activity"
	"syncpad/internal/room"
	"syncpad/pkg/logger"
)

// SnapshotReader loads persisted snapshots that predate this process, e.g.
// after a restart emptied the in-memory store. May be absent.
type SnapshotReader interface {
	Get(documentID, fileName string) (activity.Snapshot, error)
}

// QueryHandler is the read-only surface the surrounding product polls:
// room status, live statistics, per-file content and history, and full-text
// search across retained snapshots.
type QueryHandler struct {
	Registry  *room.Registry
	Recorder  *activity.Recorder
	Snapshots SnapshotReader
}

func NewQueryHandler(registry *room.Registry, recorder *activity.Recorder, snapshots SnapshotReader) *QueryHandler {
	return &QueryHandler{Registry: registry, Recorder: recorder, Snapshots: snapshots}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Sugar.Errorf("Failed to encode response: %v", err)
	}
}

func (h *QueryHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *QueryHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	statuses := h.Registry.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": statuses,
		"count": len(statuses),
	})
}

func (h *QueryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Recorder.Stats())
}

func (h *QueryHandler) FileContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	content, ok := h.Recorder.FileContent(vars["docId"], vars["file"])
	if !ok && h.Snapshots != nil {
		// Fall back to the persisted snapshot for saves from before this
		// process started.
		if snap, err := h.Snapshots.Get(vars["docId"], vars["file"]); err == nil {
			content, ok = snap.Content, true
		}
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file has no saved content"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"document_id": vars["docId"],
		"file_name":   vars["file"],
		"content":     content,
	})
}

func (h *QueryHandler) FileHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	history := h.Recorder.FileHistory(vars["docId"], vars["file"])
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": vars["docId"],
		"file_name":   vars["file"],
		"events":      history,
	})
}

func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing query parameter q"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": h.Recorder.Search(query),
	})
}
