package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// TaskLookup resolves one ingest task by id, scoped by the handler to its
// owner after loading it.
type TaskLookup interface {
	GetByID(ctx context.Context, id string) (*model.Task, error)
}

// TaskStatus handles GET /api/tasks/{taskId}/status.
func TaskStatus(tasks TaskLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		taskID := chi.URLParam(r, "taskId")
		if !validateUUID(taskID) {
			apierr.New(apierr.ValidationError, "invalid task id").WriteJSON(w)
			return
		}

		task, err := tasks.GetByID(r.Context(), taskID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if task.OwnerUserID != userID {
			apierr.New(apierr.NotFound, "task not found").WriteJSON(w)
			return
		}

		resp := map[string]any{"state": string(task.State)}
		if task.State == model.TaskRunning || task.State == model.TaskQueued {
			resp["progress"] = task.Progress
		}
		if task.State == model.TaskFailed {
			resp["error"] = task.ErrorKind
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
