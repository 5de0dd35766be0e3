package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/listfeed/internal/bigmailer"
	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/pkg/httputil"
	"github.com/ignite/listfeed/internal/runs"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	cfg    *config.Config
	runs   *runs.Service
	client *bigmailer.Client
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *config.Config, svc *runs.Service, client *bigmailer.Client) *Handlers {
	return &Handlers{
		cfg:    cfg,
		runs:   svc,
		client: client,
	}
}

// startRunRequest is the POST /api/runs body. Allocation order matters:
// earlier entries fill from the front of the queue first.
type startRunRequest struct {
	Allocations []runs.Entry `json:"allocations"`
}

// StartRun kicks off an allocation run in the background.
//
//	POST /api/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	st, err := h.runs.Start(r.Context(), req.Allocations)
	if err != nil {
		if errors.Is(err, runs.ErrRunInProgress) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}

	httputil.Accepted(w, st)
}

// GetRun returns the state of a run by ID.
//
//	GET /api/runs/{runID}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	st, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, st)
}

// GetLatestRun returns the most recently started run.
//
//	GET /api/runs/latest
func (h *Handlers) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.Latest(r.Context())
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			httputil.NotFound(w, "no runs yet")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, st)
}

// GetQueueSummary reports the contact queue's composition by status.
//
//	GET /api/queue
func (h *Handlers) GetQueueSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.runs.QueueSummary(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, sum)
}

// listInfo is one registry entry in the GET /api/lists response,
// enriched with live subscriber counts when the directory is reachable.
type listInfo struct {
	Name              string `json:"name"`
	ID                string `json:"id"`
	ActiveSubscribers int64  `json:"active_subscribers,omitempty"`
}

type listsResponse struct {
	Lists          []listInfo `json:"lists"`
	DirectoryError string     `json:"directory_error,omitempty"`
}

// GetLists returns the configured list registry. When the BigMailer
// client is available the entries carry live subscriber counts; a
// directory failure degrades to registry-only rather than erroring.
//
//	GET /api/lists
func (h *Handlers) GetLists(w http.ResponseWriter, r *http.Request) {
	resp := listsResponse{Lists: make([]listInfo, 0, len(h.cfg.Lists))}
	for _, entry := range h.cfg.Lists {
		resp.Lists = append(resp.Lists, listInfo{Name: entry.Name, ID: entry.ID})
	}

	if h.client != nil {
		live, err := h.client.GetLists(r.Context())
		if err != nil {
			log.Printf("[API] Warning: listing directory lists: %v", err)
			resp.DirectoryError = "directory unavailable"
		} else {
			counts := make(map[string]int64, len(live))
			for _, l := range live {
				counts[l.ID] = l.NumActiveSubscribers
			}
			for i := range resp.Lists {
				resp.Lists[i].ActiveSubscribers = counts[resp.Lists[i].ID]
			}
		}
	}

	httputil.OK(w, resp)
}
