package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req async.SubmitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if owner := r.Header.Get("X-Owner-ID"); owner != "" {
		req.OwnerID = owner
	}
	if req.Kind != "" && !s.cfg.Registry.Has(req.Kind) {
		writeError(w, http.StatusBadRequest, "unknown job_kind: "+req.Kind)
		return
	}

	job, err := s.cfg.Queue.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.ListFilter{
		OwnerID: ownerFrom(r),
		Kind:    q.Get("kind"),
		Limit:   parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := async.ParseJobStatus(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.Status = status
	}

	jobs, err := s.cfg.Queue.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Queue.Get(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancelled", s.cfg.Queue.Cancel)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "retried", s.cfg.Queue.Retry)
}

// transition applies an owner-initiated state change. A refused change is
// 404 when the caller cannot see the job and 409 otherwise.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, verb string,
	apply func(ctx context.Context, id, ownerID string) (bool, error)) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	owner := ownerFrom(r)

	ok, err := apply(ctx, id, owner)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	job, err := s.cfg.Queue.Get(ctx, id, owner)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job "+id+" cannot be "+verb+" while "+job.Status.String())
		return
	}

	// Progress streams only hear from workers otherwise; a cancelled job's
	// worker discards its result without publishing.
	ev := snapshotEvent(job)
	ev.Message = verb
	s.cfg.Notifier.Publish(ev)

	_ = writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Queue.Statistics(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	age := s.cfg.Retention
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		age = time.Duration(days) * 24 * time.Hour
	}

	n, err := s.cfg.Queue.Cleanup(r.Context(), age)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":    n,
		"older_than": age.String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"subscribers": s.cfg.Hub.Subscribers(),
	}
	if s.cfg.Scheduler != nil {
		resp["scheduler"] = s.cfg.Scheduler.Metrics(r.Context())
	} else {
		counts, err := s.cfg.Queue.Store().CountByStatus(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp["jobs"] = counts
	}
	if s.cfg.Ticker != nil {
		resp["tasks"] = s.cfg.Ticker.Status()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.cfg.Queue.CountProcessing(ctx); err != nil {
		s.logger.Warnw("Health check failed", "error", err)
		_ = writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  errors.UnwrapAll(err).Error(),
		})
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.cfg.Version,
		"kinds":   s.cfg.Registry.Kinds(),
	})
}
