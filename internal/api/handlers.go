package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) listStoriesHandler(w http.ResponseWriter, r *http.Request) {
	var (
		stories []domain.Story
		err     error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		stories, err = s.repo.FindByStatus(r.Context(), domain.StoryStatus(status))
	} else {
		stories, err = s.repo.All(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]domain.Story, 0, len(stories))
	label := r.URL.Query().Get("label")
	for _, story := range stories {
		if label != "" && !storage.MatchLabel(label, story.Labels) {
			continue
		}
		filtered = append(filtered, story)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"stories": filtered,
		"count":   len(filtered),
	})
}

func (s *Server) getStoryHandler(w http.ResponseWriter, r *http.Request) {
	story, err := s.repo.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "story not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, story)
}

func (s *Server) getQueueHandler(w http.ResponseWriter, r *http.Request) {
	if s.daemon == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}

	status := s.daemon.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"running":   status.Running,
		"items":     status.Queue,
		"total":     len(status.Queue),
		"pending":   status.Pending,
		"eta":       status.ETA.Seconds(),
		"held":      status.Held,
		"last_poll": status.LastPoll,
		"next_poll": status.NextPoll,
	})
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if s.daemon == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon not running")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.repo.Load(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "story not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !s.daemon.Enqueue(id, "requested via api") {
		respondError(w, http.StatusConflict, "story already queued")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"queued":  id,
		"pending": s.daemon.Status().Pending,
	})
}

func (s *Server) listHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxHistoryLimit {
			limit = n
		}
	}

	filter := &storage.ActionFilter{
		StoryID:    q.Get("story"),
		Kind:       q.Get("action"),
		Status:     q.Get("status"),
		WorkflowID: q.Get("workflow"),
		Limit:      limit,
	}

	records, err := s.history.ListActions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	actions := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		actions = append(actions, recordJSON(rec))
	}

	total, _ := s.history.CountActions(r.Context(), filter)

	respondJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
		"total":   total,
	})
}

func (s *Server) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	rec, err := s.history.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "action not found")
		return
	}

	out := recordJSON(rec)
	out["output"] = rec.Output
	respondJSON(w, http.StatusOK, out)
}

func recordJSON(rec *storage.ActionRecord) map[string]any {
	return map[string]any{
		"id":          rec.ID,
		"workflow_id": rec.WorkflowID,
		"story_id":    rec.StoryID,
		"action":      rec.Kind,
		"status":      rec.Status,
		"start_time":  rec.StartTime,
		"end_time":    rec.EndTime,
		"duration":    rec.Duration.Seconds(),
		"error":       rec.Error,
	}
}

func (s *Server) getStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	stats, err := s.history.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	kindStats := make(map[string]any, len(stats.KindStats))
	for name, ks := range stats.KindStats {
		kindStats[name] = map[string]any{
			"total":        ks.TotalCount,
			"success":      ks.SuccessCount,
			"failure":      ks.FailureCount,
			"skipped":      ks.SkippedCount,
			"success_rate": ks.SuccessRate,
			"avg_duration": ks.AvgDuration.Seconds(),
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"total_actions":  stats.TotalActions,
		"successful":     stats.SuccessfulCount,
		"failed":         stats.FailedCount,
		"skipped":        stats.SkippedCount,
		"success_rate":   stats.SuccessRate,
		"avg_duration":   stats.AvgDuration.Seconds(),
		"total_duration": stats.TotalDuration.Seconds(),
		"kind_stats":     kindStats,
		"actions_by_day": stats.ActionsByDay,
	})
}

// getConfigHandler reports the effective settings; the API key is never returned.
func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	c := s.cfg
	respondJSON(w, http.StatusOK, map[string]any{
		"root":            c.Root,
		"story_dir":       c.StoryDirPath(),
		"storage_backend": c.Storage.Backend,
		"max_concurrent":  c.MaxConcurrent,
		"merge_enabled":   c.Merge.Enabled,
		"max_retries":     limitJSON(c.Review.MaxRetries),
		"max_refinements": limitJSON(c.Refinement.MaxIterations),
		"max_recovery":    limitJSON(c.Review.MaxTotalRecoveryAttempts),
		"daemon_schedule": c.Daemon.Schedule,
		"daemon_poll":     c.Daemon.PollInterval.String(),
		"daemon_watch":    c.Daemon.Watch,
		"notifications":   c.NotificationsEnabled,
		"auth_required":   c.API.Key != "",
	})
}

// limitJSON renders unlimited as -1, the value that configures it
func limitJSON(n int) int {
	if n == domain.Unlimited {
		return -1
	}
	return n
}
