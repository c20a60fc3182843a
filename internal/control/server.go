// Package control implements the Control Interface: a JSON-over-HTTP API
// served on a Unix domain socket, one handler per command (spec.md §4.6,
// §7). Every request is funneled through a single bounded channel so its
// Store mutation is interleaved with the Scheduler's own tick, preserving
// the single-writer ordering guarantee (SPEC_FULL.md §5).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/core"
	"github.com/tavinathanson/taviblock/internal/eventbus"
	"github.com/tavinathanson/taviblock/internal/model"
	"github.com/tavinathanson/taviblock/internal/policy"
	"github.com/tavinathanson/taviblock/internal/scheduler"
	"github.com/tavinathanson/taviblock/internal/store"
)

// QueueDepth bounds the number of in-flight requests awaiting the
// single-writer dispatcher; a full queue rejects new requests rather
// than growing unbounded.
const QueueDepth = 32

// job is one request awaiting serialised execution on the dispatcher
// goroutine.
type job struct {
	fn   func(ctx context.Context) (interface{}, error)
	resp chan jobResult
}

type jobResult struct {
	data interface{}
	err  error
}

// Server is the Control Interface: an HTTP server over a Unix socket plus
// the single-writer dispatcher that actually touches the Store.
type Server struct {
	cfgRef *config.Ref
	store  *store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *log.Logger

	socketPath string
	queue      chan job

	// ReloadFunc re-reads and validates the configuration document and
	// swaps it into cfgRef on success, matching SIGHUP's own handling
	// (daemon.Daemon.reload). Set by the Daemon after construction; if
	// nil, /reload reports the reload as unsupported.
	ReloadFunc func() error
}

// New constructs a Server. Call Run to start serving.
func New(cfgRef *config.Ref, st *store.Store, bus *eventbus.Bus, clk clock.Clock, socketPath string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfgRef: cfgRef, store: st, bus: bus, clock: clk, logger: logger,
		socketPath: socketPath,
		queue:      make(chan job, QueueDepth),
	}
}

func (s *Server) cfg() *config.Config { return s.cfgRef.Load() }

// Run listens on the Unix socket at s.socketPath (0600 permissions, owner
// only) and serves until ctx is cancelled. It blocks.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.socketPath) //nolint:errcheck
	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		lis.Close()
		return fmt.Errorf("restricting control socket permissions: %w", err)
	}
	defer os.Remove(s.socketPath) //nolint:errcheck

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/unblock", s.handleUnblock)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/replace", s.handleReplace)
	mux.HandleFunc("/extend", s.handleExtend)
	mux.HandleFunc("/reload", s.handleReload)

	httpServer := &http.Server{Handler: s.withRequestID(mux)}

	go s.dispatch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
		lis.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// withRequestID assigns each inbound request a short correlation id,
// logged alongside every line the handler emits, so a sequence of log
// lines for one CLI invocation can be picked out of a daemon's output.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		s.logger.Printf("control[%s]: %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// dispatch is the single goroutine that drains the queue, giving every
// enqueued command exclusive access to the Store in arrival order.
func (s *Server) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			data, err := j.fn(ctx)
			j.resp <- jobResult{data: data, err: err}
		}
	}
}

// Enqueue submits fn to the same single-writer dispatcher HTTP handlers
// use, so external callers (the Daemon's Scheduler tick driver) get the
// same ordering guarantee against concurrent control requests
// (SPEC_FULL.md §5).
func (s *Server) Enqueue(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return s.enqueue(ctx, fn)
}

// enqueue submits fn to the dispatcher and waits for its result, or for
// ctx to be cancelled, or for the queue to be full.
func (s *Server) enqueue(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	j := job{fn: fn, resp: make(chan jobResult, 1)}
	select {
	case s.queue <- j:
	default:
		return nil, &core.StoreUnavailableError{Cause: fmt.Errorf("control queue full")}
	}
	select {
	case res := <-j.resp:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// envelope is the response shape every endpoint returns, per
// SPEC_FULL.md §6.3.
type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env) //nolint:errcheck
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *core.TargetUnknownError, *core.ConfigInvalidError:
		status = http.StatusBadRequest
	case *core.CooldownActiveError, *core.TooManySessionsError, *core.NothingToDoError,
		*core.SessionNotPendingError, *core.ExtensionForbiddenError:
		status = http.StatusConflict
	case *core.SessionNotFoundError:
		status = http.StatusNotFound
	}
	writeJSON(w, status, envelope{OK: false, Error: err.Error()})
}

// unblockRequest is the /unblock request body.
type unblockRequest struct {
	Profile   string            `json:"profile"`
	Targets   []string          `json:"targets"`
	Overrides *unblockOverrides `json:"overrides,omitempty"`
	ReplaceID int64             `json:"replace_id,omitempty"`
}

// unblockOverrides lets a plain unblock replace the Policy Engine's
// computed wait and/or the profile's configured duration, both in
// seconds (spec.md §6 unblock's overrides.{wait,duration}).
type unblockOverrides struct {
	Wait     *float64 `json:"wait,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

type unblockResponse struct {
	Created []sessionView `json:"created"`
	Skipped []skippedView `json:"skipped"`
}

type sessionView struct {
	Targets        []string  `json:"targets"`
	EffectiveStart time.Time `json:"effective_start"`
	End            time.Time `json:"end"`
}

type skippedView struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// handleUnblock runs the Policy Engine and commits its plan. When
// replace_id names a pending session, that session is cancelled in the
// same dispatch and exempted from the concurrency check (spec.md §6
// unblock's replace_id, §4.2 step 4); overrides.wait/duration, when set,
// replace the engine's computed wait and the profile's duration.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	if req.Profile == "" {
		req.Profile = s.cfg().DefaultProfile
	}

	result, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		now := s.clock.Now()

		opts := policy.AdmitOptions{ReplaceID: req.ReplaceID}
		if req.Overrides != nil {
			opts.WaitOverrideSeconds = req.Overrides.Wait
			opts.DurationOverrideSeconds = req.Overrides.Duration
		}
		if req.ReplaceID != 0 {
			existing, err := s.store.GetSession(ctx, req.ReplaceID)
			if err != nil {
				return nil, err
			}
			if existing.State != model.Pending {
				return nil, &core.SessionNotPendingError{ID: req.ReplaceID, State: existing.State.String()}
			}
		}

		admission, err := policy.Admit(ctx, s.cfg(), s.store, req.Profile, req.Targets, now, opts)
		if err != nil {
			return nil, err
		}
		if req.ReplaceID != 0 {
			if err := s.store.UpdateSessionState(ctx, req.ReplaceID, model.Cancelled, nil); err != nil {
				return nil, err
			}
		}
		resp := unblockResponse{}
		for _, d := range admission.Created {
			if _, err := s.store.InsertSession(ctx, model.Session{
				Profile: d.Profile, Targets: d.Targets, RequestedAt: d.RequestedAt,
				EffectiveStart: d.EffectiveStart, End: d.End, State: model.Pending, All: d.All,
			}); err != nil {
				return nil, err
			}
			resp.Created = append(resp.Created, sessionView{Targets: d.Targets, EffectiveStart: d.EffectiveStart, End: d.End})
		}
		for _, sk := range admission.Skipped {
			resp.Skipped = append(resp.Skipped, skippedView{Target: sk.Target, Reason: string(sk.Reason)})
		}
		return resp, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: result})
}

// cancelRequest is the /cancel request body. Exactly one selector is
// expected to be set: SessionID (by id), Profile (by name, cancelling
// every one of its non-terminal sessions), or All (cancelling every
// non-terminal session regardless of profile) — spec.md §6's
// `cancel (id | name | all)`.
type cancelRequest struct {
	SessionID int64  `json:"session_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
	All       bool   `json:"all,omitempty"`
}

type cancelResponse struct {
	Cancelled []int64 `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	result, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		cancelOne := func(sess model.Session) (bool, error) {
			if !sess.State.CanTransitionTo(model.Cancelled) {
				return false, nil // already terminal: cancelling a terminal session is a no-op, not an error
			}
			if err := s.store.UpdateSessionState(ctx, sess.ID, model.Cancelled, nil); err != nil {
				return false, err
			}
			return true, nil
		}

		switch {
		case req.All:
			sessions, err := s.store.ListSessions(ctx, store.SessionFilter{})
			if err != nil {
				return nil, err
			}
			resp := cancelResponse{}
			for _, sess := range sessions {
				ok, err := cancelOne(sess)
				if err != nil {
					return nil, err
				}
				if ok {
					resp.Cancelled = append(resp.Cancelled, sess.ID)
				}
			}
			return resp, nil
		case req.Profile != "":
			sessions, err := s.store.ListSessions(ctx, store.SessionFilter{Profile: req.Profile})
			if err != nil {
				return nil, err
			}
			resp := cancelResponse{}
			for _, sess := range sessions {
				ok, err := cancelOne(sess)
				if err != nil {
					return nil, err
				}
				if ok {
					resp.Cancelled = append(resp.Cancelled, sess.ID)
				}
			}
			return resp, nil
		default:
			sess, err := s.store.GetSession(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			ok, err := cancelOne(sess)
			if err != nil {
				return nil, err
			}
			resp := cancelResponse{}
			if ok {
				resp.Cancelled = append(resp.Cancelled, sess.ID)
			}
			return resp, nil
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: result})
}

type replaceRequest struct {
	SessionID int64    `json:"session_id"`
	Profile   string   `json:"profile"`
	Targets   []string `json:"targets"`
}

// handleReplace atomically cancels an existing pending session and
// admits a new one in its place, without the new admission's concurrency
// check counting the outgoing session against the limit (spec.md §4.2
// step 4's replace exemption).
func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	result, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		existing, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if existing.State != model.Pending {
			return nil, &core.SessionNotPendingError{ID: req.SessionID, State: existing.State.String()}
		}

		now := s.clock.Now()
		admission, err := policy.Admit(ctx, s.cfg(), s.store, req.Profile, req.Targets, now, policy.AdmitOptions{ReplaceID: req.SessionID})
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdateSessionState(ctx, req.SessionID, model.Cancelled, nil); err != nil {
			return nil, err
		}
		resp := unblockResponse{}
		for _, d := range admission.Created {
			if _, err := s.store.InsertSession(ctx, model.Session{
				Profile: d.Profile, Targets: d.Targets, RequestedAt: d.RequestedAt,
				EffectiveStart: d.EffectiveStart, End: d.End, State: model.Pending, All: d.All,
			}); err != nil {
				return nil, err
			}
			resp.Created = append(resp.Created, sessionView{Targets: d.Targets, EffectiveStart: d.EffectiveStart, End: d.End})
		}
		return resp, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: result})
}

type extendRequest struct {
	SessionID int64 `json:"session_id"`
	Minutes   int   `json:"minutes"`
}

// handleExtend lets an already-active, non-cooldown session extend its
// End, the same action the pre-expiry prompt performs when the user
// explicitly chooses to (spec.md §4.5).
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	_, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.State != model.Active {
			return nil, &core.ExtensionForbiddenError{Reason: fmt.Sprintf("session %d is %s, not active", req.SessionID, sess.State)}
		}
		if profile, ok := s.cfg().Profiles[sess.Profile]; ok && profile.CooldownSeconds > 0 {
			return nil, &core.ExtensionForbiddenError{Reason: "profile has a cooldown; extension is not offered"}
		}
		newEnd := sess.End.Add(time.Duration(req.Minutes) * time.Minute)
		return nil, s.store.ExtendSession(ctx, req.SessionID, newEnd)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

type statusView struct {
	Sessions     []sessionStatusView  `json:"sessions"`
	Blocked      []string             `json:"blocked"`
	PenaltyCount int                  `json:"penalty_count"`
	Cooldowns    []cooldownStatusView `json:"cooldowns,omitempty"`
}

// cooldownStatusView reports the remaining cooldown, in seconds, for one
// profile that declares a cooldown and has a recorded bypass marker
// (spec.md §6 status's "cooldown remaining"). A profile with no bypass
// marker yet, or whose cooldown has already elapsed, is omitted.
type cooldownStatusView struct {
	Profile          string `json:"profile"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

type sessionStatusView struct {
	ID             int64     `json:"id"`
	Profile        string    `json:"profile"`
	Targets        []string  `json:"targets"`
	State          string    `json:"state"`
	EffectiveStart time.Time `json:"effective_start"`
	End            time.Time `json:"end"`
}

// handleReload re-reads the configuration document, enqueued onto the
// same single-writer queue as every other command so a reload can never
// race a Store mutation that's mid-admission against the old document
// (spec.md §6's reload contract, SPEC_FULL.md §4.6).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	_, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		if s.ReloadFunc == nil {
			return nil, &core.ConfigInvalidError{Reason: "reload not supported by this server"}
		}
		return nil, s.ReloadFunc()
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

// handleStatus reports sessions, the effective blocked set, today's
// progressive-penalty counter, and each cooldown-bearing profile's
// remaining cooldown (spec.md §6's status behaviour).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.enqueue(r.Context(), func(ctx context.Context) (interface{}, error) {
		cfg := s.cfg()
		now := s.clock.Now()

		allSessions, err := s.store.ListSessions(ctx, store.SessionFilter{IncludeTerminal: true})
		if err != nil {
			return nil, err
		}
		view := statusView{Blocked: scheduler.EffectiveBlockedSet(cfg, allSessions)}
		for _, sess := range allSessions {
			if !sess.NonTerminal() {
				continue
			}
			view.Sessions = append(view.Sessions, sessionStatusView{
				ID: sess.ID, Profile: sess.Profile, Targets: sess.Targets, State: sess.State.String(),
				EffectiveStart: sess.EffectiveStart, End: sess.End,
			})
		}

		penaltyCount, err := s.store.GetPenalty(ctx, now)
		if err != nil {
			return nil, err
		}
		view.PenaltyCount = penaltyCount

		for name, profile := range cfg.Profiles {
			if profile.CooldownSeconds <= 0 {
				continue
			}
			last, has, err := s.store.LastBypass(ctx, name)
			if err != nil {
				return nil, err
			}
			if !has {
				continue
			}
			remaining := time.Duration(profile.CooldownSeconds*float64(time.Second)) - now.Sub(last)
			if remaining <= 0 {
				continue
			}
			view.Cooldowns = append(view.Cooldowns, cooldownStatusView{Profile: name, RemainingSeconds: int64(remaining.Seconds())})
		}

		return view, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: result})
}
