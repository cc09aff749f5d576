package web

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, controller AppController, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		controller.Logger().LogError("web: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, controller AppController, status int, msg string) {
	writeJSON(w, controller, status, map[string]string{"error": msg})
}

// limitParam reads the caller's limit override. Zero means "no
// preference"; the controller substitutes its configured default.
func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// statusHandler serves the live snapshot: safety state, per-account
// health, open position counts.
func statusHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, controller, http.StatusMethodNotAllowed, "GET only")
			return
		}
		writeJSON(w, controller, http.StatusOK, controller.GetStatusSnapshot())
	}
}

func positionsHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, controller, http.StatusMethodNotAllowed, "GET only")
			return
		}
		positions, err := controller.GetPositions()
		if err != nil {
			controller.Logger().LogError("web: positions read failed: %v", err)
			writeError(w, controller, http.StatusInternalServerError, "failed to read positions")
			return
		}
		writeJSON(w, controller, http.StatusOK, positions)
	}
}

func safetyHistoryHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, controller, http.StatusMethodNotAllowed, "GET only")
			return
		}
		history, err := controller.GetSafetyHistory(limitParam(r))
		if err != nil {
			controller.Logger().LogError("web: safety history read failed: %v", err)
			writeError(w, controller, http.StatusInternalServerError, "failed to read safety history")
			return
		}
		writeJSON(w, controller, http.StatusOK, history)
	}
}

func eventsHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, controller, http.StatusMethodNotAllowed, "GET only")
			return
		}
		events, err := controller.GetRecentEvents(limitParam(r))
		if err != nil {
			controller.Logger().LogError("web: events read failed: %v", err)
			writeError(w, controller, http.StatusInternalServerError, "failed to read events")
			return
		}
		writeJSON(w, controller, http.StatusOK, events)
	}
}
