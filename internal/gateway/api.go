// ABOUTME: HTTP API handlers for listing agents and dispatching commands to them
// ABOUTME: Provides /api/agents, /api/dispatch and the /api/dispatches audit log

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
)

// maxDispatchBody caps POST /api/dispatch bodies. Attachments arrive base64
// encoded, so this allows uploads somewhat above 64 MiB.
const maxDispatchBody = 96 << 20

// AgentResponse is one entry of GET /api/agents.
type AgentResponse struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	Hostname     string    `json:"hostname,omitempty"`
	OS           string    `json:"os,omitempty"`
	Version      string    `json:"version,omitempty"`
}

// Targets selects the agents of a dispatch request. All wins over IDs.
type Targets struct {
	All bool     `json:"all,omitempty"`
	IDs []string `json:"ids,omitempty"`
}

// DispatchRequest is the JSON body of POST /api/dispatch.
type DispatchRequest struct {
	Verb    string   `json:"verb"`
	Args    []string `json:"args,omitempty"`
	Targets Targets  `json:"targets"`
	// Timeout is a Go duration string; empty uses the configured default.
	Timeout string `json:"timeout,omitempty"`
	// Attachment is the upload source, base64 encoded in JSON.
	Attachment []byte `json:"attachment"`
}

// OutcomeResponse is how a dispatch ended on one agent.
type OutcomeResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Location string `json:"location,omitempty"`
	Bytes    int64  `json:"bytes"`
	Payload  []byte `json:"payload,omitempty"`
}

// DispatchResponse is the JSON response of POST /api/dispatch.
type DispatchResponse struct {
	CommandID  string                     `json:"command_id"`
	Verb       string                     `json:"verb"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Succeeded  int                        `json:"succeeded"`
	Failed     int                        `json:"failed"`
	TimedOut   int                        `json:"timed_out"`
	Outcomes   map[string]OutcomeResponse `json:"outcomes"`
}

// DispatchRecordResponse is one audit log entry.
type DispatchRecordResponse struct {
	ID         string                     `json:"id"`
	Verb       string                     `json:"verb"`
	Args       []string                   `json:"args"`
	Selector   string                     `json:"selector"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Outcomes   map[string]OutcomeResponse `json:"outcomes"`
}

// registerAPIRoutes mounts the operator API on mux, behind bearer auth when a
// verifier is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("POST /api/dispatch", g.handleDispatch)
	api.HandleFunc("GET /api/dispatches", g.handleListDispatches)
	api.HandleFunc("GET /api/dispatches/{id}", g.handleGetDispatch)

	if g.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(g.verifier, g.logger)(api))
		g.logger.Info("HTTP auth middleware enabled")
		return
	}
	mux.Handle("/api/", api)
	g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	infos := g.registry.List()
	resp := make([]AgentResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, AgentResponse{
			ID:           info.ID,
			Addr:         info.Addr,
			State:        info.State.String(),
			LastActivity: info.LastActivity,
			Hostname:     info.Hostname,
			OS:           info.OS,
			Version:      info.Version,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /api/dispatch. It blocks until every target has
// reported or the command's deadline passes.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDispatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, timeout, err := req.command()
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.logger.Info("operator dispatch",
		"operator", auth.OperatorFromContext(r.Context()),
		"verb", string(cmd.Verb),
		"targets", cmd.Targets.String(),
	)

	res, err := g.dispatcher.Dispatch(r.Context(), cmd, timeout)
	switch {
	case errors.Is(err, dispatch.ErrInvalidSelector), errors.Is(err, dispatch.ErrInvalidCommand):
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("dispatch failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	writeJSON(w, http.StatusOK, dispatchResponse(res))
}

// command converts the request into a dispatch.Command.
func (req *DispatchRequest) command() (dispatch.Command, time.Duration, error) {
	verb, err := dispatch.ParseVerb(req.Verb)
	if err != nil {
		return dispatch.Command{}, 0, err
	}
	// The API never reads files from the gateway's own disk.
	if verb == dispatch.VerbUpload && req.Attachment == nil {
		return dispatch.Command{}, 0, fmt.Errorf("%w: upload requires an attachment", dispatch.ErrInvalidCommand)
	}

	var timeout time.Duration
	if req.Timeout != "" {
		timeout, err = time.ParseDuration(req.Timeout)
		if err != nil {
			return dispatch.Command{}, 0, errors.New("invalid timeout: " + req.Timeout)
		}
	}

	var sel dispatch.Selector
	switch {
	case req.Targets.All:
		sel = dispatch.All()
	case len(req.Targets.IDs) == 1:
		sel = dispatch.Single(req.Targets.IDs[0])
	default:
		sel = dispatch.Subset(req.Targets.IDs...)
	}

	return dispatch.Command{
		Verb:       verb,
		Args:       req.Args,
		Targets:    sel,
		Attachment: req.Attachment,
	}, timeout, nil
}

func dispatchResponse(res *dispatch.Result) DispatchResponse {
	succeeded, failed, timedOut := res.Counts()
	resp := DispatchResponse{
		CommandID:  res.CommandID.String(),
		Verb:       string(res.Verb),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Succeeded:  succeeded,
		Failed:     failed,
		TimedOut:   timedOut,
		Outcomes:   make(map[string]OutcomeResponse, len(res.Outcomes)),
	}
	for id, o := range res.Outcomes {
		resp.Outcomes[id] = OutcomeResponse{
			Status:   string(o.Status),
			Reason:   o.Reason,
			Location: o.Location,
			Bytes:    o.Bytes,
			Payload:  o.Payload,
		}
	}
	return resp
}

// handleListDispatches handles GET /api/dispatches?limit=N&verb=V&agent=ID.
func (g *Gateway) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		sendJSONError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	q := r.URL.Query()
	filter := store.DispatchFilter{
		Verb:    strings.TrimSpace(q.Get("verb")),
		AgentID: strings.TrimSpace(q.Get("agent")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		filter.Since = since
	}

	recs, err := g.store.ListDispatches(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing dispatches", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}

	resp := make([]DispatchRecordResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, recordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetDispatch handles GET /api/dispatches/{id}.
func (g *Gateway) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		sendJSONError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	rec, err := g.store.GetDispatch(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		g.logger.Error("getting dispatch", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func recordResponse(rec *store.DispatchRecord) DispatchRecordResponse {
	resp := DispatchRecordResponse{
		ID:         rec.ID,
		Verb:       rec.Verb,
		Args:       rec.Args,
		Selector:   rec.Selector,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Outcomes:   make(map[string]OutcomeResponse, len(rec.Outcomes)),
	}
	if resp.Args == nil {
		resp.Args = []string{}
	}
	for _, o := range rec.Outcomes {
		resp.Outcomes[o.AgentID] = OutcomeResponse{
			Status:   o.Status,
			Reason:   o.Reason,
			Location: o.Location,
			Bytes:    o.Bytes,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
