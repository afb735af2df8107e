// Package httpapi exposes the control surface of the daemon: account CRUD
// and job submission. Scraping never runs inline in a request; the handlers
// enqueue and return 202 with the job id.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/queue"
	"github.com/marketsync/marketsync/internal/store"
)

// Enqueuer publishes jobs for the handlers.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, job queue.Job) (string, error)
}

// Handler carries the API dependencies.
type Handler struct {
	db   *store.DB
	jobs Enqueuer
	log  *zap.Logger
}

func New(db *store.DB, jobs Enqueuer, log *zap.Logger) *Handler {
	return &Handler{db: db, jobs: jobs, log: log.Named("http")}
}

// Router builds the chi router with all routes registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/accounts", func(r chi.Router) {
		r.Post("/", h.createAccount)
		r.Get("/", h.listAccounts)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getAccount)
			r.Post("/activate", h.submitJob(queue.Activation))
			r.Post("/refresh", h.submitJob(queue.Directory))
			r.Post("/sync", h.submitSync)
		})
	})
	return r
}

type accountPayload struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	OwnerID            string              `json:"owner_id"`
	ProxyURL           string              `json:"proxy_url,omitempty"`
	LoginStatus        string              `json:"login_status"`
	LastError          string              `json:"last_error,omitempty"`
	ErrorDetails       *store.ErrorDetails `json:"error_details,omitempty"`
	RetryCount         int                 `json:"retry_count"`
	InitialSetupStatus bool                `json:"initial_setup_done"`
	Terminal           bool                `json:"terminal"`
}

func toPayload(a *store.Account) accountPayload {
	return accountPayload{
		ID:                 a.ID,
		Name:               a.Name,
		OwnerID:            a.OwnerID,
		ProxyURL:           a.ProxyURL,
		LoginStatus:        a.LoginStatus,
		LastError:          a.LastError,
		ErrorDetails:       a.ErrorDetails,
		RetryCount:         a.ResolveErrorRetryCount,
		InitialSetupStatus: a.InitialSetupStatus,
		Terminal:           a.Terminal(),
	}
}

type createAccountRequest struct {
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	ProxyURL    string `json:"proxy_url"`
	SessionBlob string `json:"session_blob"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := h.db.CreateAccount(&store.Account{
		Name:        req.Name,
		OwnerID:     req.OwnerID,
		ProxyURL:    req.ProxyURL,
		SessionBlob: []byte(req.SessionBlob),
	})
	if err != nil {
		h.log.Error("create account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create account")
		return
	}

	acct, err := h.db.GetAccount(id)
	if err != nil || acct == nil {
		writeError(w, http.StatusInternalServerError, "could not load account")
		return
	}
	writeJSON(w, http.StatusCreated, toPayload(acct))
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var (
		accts []*store.Account
		err   error
	)
	if status != "" {
		accts, err = h.db.ListAccountsByStatus(status)
	} else {
		accts, err = h.db.ListAllAccounts()
	}
	if err != nil {
		h.log.Error("list accounts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list accounts")
		return
	}

	out := make([]accountPayload, 0, len(accts))
	for _, a := range accts {
		out = append(out, toPayload(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPayload(acct))
}

// submitJob returns a handler that enqueues an account-scoped job with no
// extra payload.
func (h *Handler) submitJob(q queue.Name) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := h.account(w, r)
		if !ok {
			return
		}
		h.enqueue(w, r, q, queue.Job{AccountID: acct.ID})
	}
}

type syncRequest struct {
	ChatURLs []string `json:"chat_urls"`
}

func (h *Handler) submitSync(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	h.enqueue(w, r, queue.MessageSync, queue.Job{AccountID: acct.ID, ChatURLs: req.ChatURLs})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, q queue.Name, job queue.Job) {
	jobID, err := h.jobs.Enqueue(r.Context(), q, job)
	if err != nil {
		h.log.Error("enqueue", zap.String("queue", string(q)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "queue": string(q)})
}

// account loads the path account or writes the error response.
func (h *Handler) account(w http.ResponseWriter, r *http.Request) (*store.Account, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return nil, false
	}
	acct, err := h.db.GetAccount(id)
	if err != nil {
		h.log.Error("get account", zap.Int64("account_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load account")
		return nil, false
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	return acct, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
