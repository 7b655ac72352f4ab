// Package services exposes the quiesce controller over HTTP. The daemon
// listens on a unix socket; clients address it per-holder so that one
// client resuming a CPU never releases another client's hold.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/containerd/log"

	api "github.com/spin-stack/quiesce/api/quiesce/v1"
	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/quiesce"
	"github.com/spin-stack/quiesce/internal/store"
	"github.com/spin-stack/quiesce/internal/version"
)

// QuiesceService maps per-holder HTTP requests onto controller halt and
// resume calls. The controller ref-counts per CPU; the service tracks
// which CPUs each holder currently holds so that repeated halts from one
// holder take a single reference and resumes release only what that
// holder took.
type QuiesceService struct {
	ctrl  *quiesce.Controller
	holds *store.Store // nil disables persistence

	mu   sync.Mutex
	held map[string]cpuset.Set
}

// NewQuiesceService wires the controller and the optional hold store.
func NewQuiesceService(ctrl *quiesce.Controller, holds *store.Store) *QuiesceService {
	return &QuiesceService{
		ctrl:  ctrl,
		holds: holds,
		held:  make(map[string]cpuset.Set),
	}
}

// Restore re-applies holds persisted by a previous daemon run. A hold
// that can only be partially re-taken is trimmed to what succeeded;
// losing a hold on restart is preferable to a ref count with no holder
// behind it.
func (s *QuiesceService) Restore(ctx context.Context) error {
	if s.holds == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var restore []store.Hold
	if err := s.holds.List(func(h store.Hold) error {
		restore = append(restore, h)
		return nil
	}); err != nil {
		return fmt.Errorf("list persisted holds: %w", err)
	}

	for _, h := range restore {
		want, err := h.Set()
		if err != nil {
			log.G(ctx).WithError(err).WithField("holder", h.Holder).Warn("quiesce: dropping corrupt hold")
			s.holds.Delete(h.Holder)
			continue
		}
		res, err := s.ctrl.Halt(ctx, want)
		got := res.Transitioned.Union(res.RefOnly)
		if err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"holder": h.Holder,
				"cpus":   want.String(),
				"got":    got.String(),
			}).Warn("quiesce: hold only partially restored")
		}
		s.recordLocked(ctx, h.Holder, got)
	}
	return nil
}

// Handler returns the daemon's HTTP mux.
func (s *QuiesceService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ping", s.handlePing)
	mux.HandleFunc("GET /api/v1/cpus.status", s.handleStatus)
	mux.HandleFunc("PUT /api/v1/cpus.halt", s.handleHalt)
	mux.HandleFunc("PUT /api/v1/cpus.resume", s.handleResume)
	return mux
}

func (s *QuiesceService) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &api.PingResponse{Version: version.Version})
}

func (s *QuiesceService) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	holds := make([]api.Hold, 0, len(s.held))
	for holder, set := range s.held {
		holds = append(holds, api.Hold{Holder: holder, Cpus: set.String()})
	}
	s.mu.Unlock()

	var resp api.StatusResponse
	for _, st := range s.ctrl.Status() {
		resp.Cpus = append(resp.Cpus, api.CPUState{
			CPU:            st.CPU,
			Online:         st.Online,
			Halted:         st.Halted,
			RefCount:       st.RefCount,
			RecentlyHalted: st.RecentlyHalted,
		})
	}
	resp.Holds = holds
	writeJSON(w, http.StatusOK, &resp)
}

func (s *QuiesceService) handleHalt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	holder, want, err := decodeCpusRequest(r)
	if err != nil {
		writeError(w, err, quiesce.Result{})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Only take references for CPUs this holder does not already hold;
	// a holder's hold is idempotent, not cumulative.
	delta := want.Diff(s.held[holder])
	if delta.Empty() {
		writeJSON(w, http.StatusOK, &api.CpusResponse{RefOnly: want.String()})
		return
	}

	res, err := s.ctrl.Halt(ctx, delta)
	s.recordLocked(ctx, holder, s.held[holder].Union(res.Transitioned).Union(res.RefOnly))
	if err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"holder": holder,
			"cpus":   delta.String(),
		}).Error("quiesce: halt failed")
		writeError(w, err, res)
		return
	}

	log.G(ctx).WithFields(log.Fields{
		"holder":       holder,
		"transitioned": res.Transitioned.String(),
		"ref_only":     res.RefOnly.String(),
	}).Info("quiesce: cpus halted")
	writeJSON(w, http.StatusOK, toCpusResponse(res, nil))
}

func (s *QuiesceService) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	holder, want, err := decodeCpusRequest(r)
	if err != nil {
		writeError(w, err, quiesce.Result{})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Release only references this holder actually took. CPUs in the
	// request but not in the hold are ignored, which keeps resume
	// idempotent and keeps one holder from draining another's refs.
	delta := want.Intersect(s.held[holder])
	if delta.Empty() {
		writeJSON(w, http.StatusOK, &api.CpusResponse{})
		return
	}

	res, err := s.ctrl.Resume(ctx, delta)
	released := res.Transitioned.Union(res.RefOnly)
	s.recordLocked(ctx, holder, s.held[holder].Diff(released))
	if err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"holder": holder,
			"cpus":   delta.String(),
		}).Error("quiesce: resume failed")
		writeError(w, err, res)
		return
	}

	log.G(ctx).WithFields(log.Fields{
		"holder":       holder,
		"transitioned": res.Transitioned.String(),
		"ref_only":     res.RefOnly.String(),
	}).Info("quiesce: cpus resumed")
	writeJSON(w, http.StatusOK, toCpusResponse(res, nil))
}

// recordLocked updates the in-memory hold and mirrors it to the store.
// Persistence failures are logged, not returned: the controller state
// already changed and the client outcome must reflect that.
func (s *QuiesceService) recordLocked(ctx context.Context, holder string, set cpuset.Set) {
	if set.Empty() {
		delete(s.held, holder)
	} else {
		s.held[holder] = set
	}
	if s.holds == nil {
		return
	}
	if err := s.holds.Put(holder, set); err != nil {
		log.G(ctx).WithError(err).WithField("holder", holder).Warn("quiesce: persisting hold failed")
	}
}

func decodeCpusRequest(r *http.Request) (string, cpuset.Set, error) {
	var req api.CpusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", cpuset.Set{}, fmt.Errorf("decode request: %w: %w", err, errdefs.ErrInvalidArgument)
	}
	if req.Holder == "" {
		return "", cpuset.Set{}, fmt.Errorf("holder is required: %w", errdefs.ErrInvalidArgument)
	}
	set, err := cpuset.Parse(req.Cpus)
	if err != nil {
		return "", cpuset.Set{}, fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument)
	}
	if set.Empty() {
		return "", cpuset.Set{}, fmt.Errorf("empty cpu list: %w", errdefs.ErrInvalidArgument)
	}
	return req.Holder, set, nil
}

func toCpusResponse(res quiesce.Result, err error) *api.CpusResponse {
	resp := &api.CpusResponse{
		Transitioned: res.Transitioned.String(),
		RefOnly:      res.RefOnly.String(),
		Failed:       res.Failed.String(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func writeError(w http.ResponseWriter, err error, res quiesce.Result) {
	writeJSON(w, errhttp.ToHTTP(err), toCpusResponse(res, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
