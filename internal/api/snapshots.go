package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graybot-core/internal/snapshot"
)

type createSnapshotRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.snapshots.List(r.Context(), s.robot.Name())
	if err != nil {
		s.logger.Error("failed to list snapshots", "error", err)
		writeInternalError(w, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": list, "count": len(list)})
}

// handleCreateSnapshot stores every register of the robot. The body is
// optional; an empty name defaults to the creation time.
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = time.Now().UTC().Format(time.RFC3339)
	}

	snap, err := s.snapshots.Save(r.Context(), s.robot.Name(), req.Name, s.robot.Devices())
	if err != nil {
		s.logger.Error("failed to save snapshot", "error", err)
		writeInternalError(w, "failed to save snapshot")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeSnapshotError(w, err, "failed to get snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeSnapshotError(w, err, "failed to delete snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRestoreSnapshot writes a stored snapshot back into the robot's
// writable registers.
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	res, err := s.snapshots.Restore(r.Context(), chi.URLParam(r, "id"), s.robot.Devices())
	if err != nil {
		s.writeSnapshotError(w, err, "failed to restore snapshot")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeSnapshotError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, snapshot.ErrNotFound) {
		writeNotFound(w, "snapshot not found")
		return
	}
	s.logger.Error(msg, "error", err)
	writeInternalError(w, msg)
}
