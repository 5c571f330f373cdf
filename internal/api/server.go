// Package api is the HTTP gateway: job submission plus read-only
// observation of state and results. Execution stays in the runner; the
// gateway only touches the queue and the artifact store.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msageha/foreman/internal/artifact"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/logging"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/queue"
)

type Server struct {
	queue          *queue.Queue
	store          *artifact.Store
	workspacesRoot string
	token          string
	log            *logging.Logger
	jobLocks       *lock.MutexMap
}

func NewServer(q *queue.Queue, store *artifact.Store, workspacesRoot, token string, log *logging.Logger) *Server {
	return &Server{
		queue:          q,
		store:          store,
		workspacesRoot: workspacesRoot,
		token:          token,
		log:            log.WithComponent("api"),
		jobLocks:       lock.NewMutexMap(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/api/jobs", s.handleEnqueue)
		r.Get("/api/jobs/{job_id}/result", s.handleResult)
		r.Get("/api/jobs/{job_id}/state", s.handleState)
		r.Post("/api/jobs/{job_id}/approve", s.handleApprove)
		r.Post("/api/jobs/{job_id}/unlock", s.handleUnlock)
	})
	return r
}

// auth requires a bearer token when WEBHOOK_TOKEN is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.writeError(w, http.StatusUnauthorized, model.ErrCodeValidation, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, dir := range []string{s.queue.Root(), s.store.Root(), s.workspacesRoot} {
		if err := probeWritableDir(dir); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "detail": dir + ": " + err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// probeWritableDir verifies the directory exists and accepts writes.
func probeWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	f, err := os.CreateTemp(dir, ".healthz-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	spec, err := model.ParseJobSpec(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	if spec.JobID == "" {
		spec.JobID = model.NewJobID()
	}

	state, err := s.queue.Enqueue(spec)
	if err != nil {
		var dup *queue.DuplicateJobError
		var verr *model.ValidationError
		switch {
		case errors.As(err, &dup):
			s.writeError(w, http.StatusConflict, model.ErrCodeDuplicateJob, dup.Error())
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, verr.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientIO, err.Error())
		}
		return
	}
	s.log.Infof("enqueued job_id=%s state=%s", spec.JobID, state)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_id": spec.JobID, "state": state})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, artifact.FileResult)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, artifact.FileState)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, file string) {
	jobID := chi.URLParam(r, "job_id")
	if err := model.ValidateJobID(jobID); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	data, err := s.store.ReadBytes(jobID, file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodePathTraversal, err.Error())
		return
	}
	if data == nil {
		s.writeError(w, http.StatusNotFound, model.ErrCodeQueueEmpty, "no "+file+" for job "+jobID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.moveJob(w, r, s.queue.Approve, "approved")
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.moveJob(w, r, s.queue.Unlock, "unlocked")
}

func (s *Server) moveJob(w http.ResponseWriter, r *http.Request, move func(string) error, verb string) {
	jobID := chi.URLParam(r, "job_id")
	if err := model.ValidateJobID(jobID); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	s.jobLocks.Lock(jobID)
	defer s.jobLocks.Unlock(jobID)

	if err := move(jobID); err != nil {
		var nf *queue.NotFoundError
		if errors.As(err, &nf) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeValidation, err.Error())
			return
		}
		s.writeError(w, http.StatusConflict, model.ErrCodeValidation, err.Error())
		return
	}
	s.log.Infof("%s job_id=%s", verb, jobID)
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "state": string(model.QueuePending)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
