// Package console is the operator HTTP surface: read-only views over the
// shadow state and operation log, plus the gated mutations from the
// actions package. Responses use a status/data envelope.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/QingyeSC/gcp-billing-manager/pkg/actions"
	"github.com/QingyeSC/gcp-billing-manager/pkg/archive"
	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	statusEventCount  = 5
	detailEventCount  = 20
)

// Server serves the console API.
type Server struct {
	store    *store.Store
	actions  *actions.Actions
	exporter *archive.Exporter
	logger   *slog.Logger
	http     *http.Server
	version  string
	started  time.Time
}

// New builds the server bound to addr.
func New(addr, version string, st *store.Store, acts *actions.Actions, exporter *archive.Exporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    st,
		actions:  acts,
		exporter: exporter,
		logger:   logger.With("component", "console"),
		version:  version,
		started:  time.Now(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/identities", s.handleIdentities)
	mux.HandleFunc("/api/identities/", s.handleIdentityDetail)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectRouter)
	mux.HandleFunc("/api/billing-accounts", s.handleBillingAccounts)
	mux.HandleFunc("/api/billing-accounts/", s.handleBillingRouter)
	mux.HandleFunc("/api/operations", s.handleOperations)
	mux.HandleFunc("/api/operations/export", s.handleOperationsExport)
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("console listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Response envelope.

type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Status: "success", Data: data}); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Message: msg})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrPermissionNotRemoved),
		errors.Is(err, store.ErrBillingAccountInUse):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// identityParam resolves the required ?identity=<name> query parameter.
func (s *Server) identityParam(w http.ResponseWriter, r *http.Request) (*store.Identity, bool) {
	name := r.URL.Query().Get("identity")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "missing identity parameter")
		return nil, false
	}
	ident, err := s.store.GetIdentityByName(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return ident, true
}

func methodIs(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeSuccess(w, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	recent, err := s.store.ListEvents(r.Context(), store.EventFilter{Limit: statusEventCount})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{
		"counts":        counts,
		"recent_events": emptyIfNil(recent),
	})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	identities, err := s.store.ListIdentities(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	type identitySummary struct {
		store.Identity
		Projects        int `json:"projects"`
		BillingAccounts int `json:"billing_accounts"`
	}
	out := make([]identitySummary, 0, len(identities))
	for _, ident := range identities {
		projects, err := s.store.ListProjects(r.Context(), store.ProjectFilter{IdentityID: ident.ID})
		if err != nil {
			s.fail(w, err)
			return
		}
		accounts, err := s.store.ListBillingAccounts(r.Context(), store.BillingFilter{IdentityID: ident.ID})
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, identitySummary{
			Identity:        ident,
			Projects:        len(projects),
			BillingAccounts: len(accounts),
		})
	}
	s.writeSuccess(w, out)
}

func (s *Server) handleIdentityDetail(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/identities/")
	if name == "" || strings.Contains(name, "/") {
		s.writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	ident, err := s.store.GetIdentityByName(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	accounts, err := s.store.ListBillingAccounts(r.Context(), store.BillingFilter{IdentityID: ident.ID})
	if err != nil {
		s.fail(w, err)
		return
	}
	projects, err := s.store.ListProjects(r.Context(), store.ProjectFilter{IdentityID: ident.ID})
	if err != nil {
		s.fail(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), store.EventFilter{IdentityID: ident.ID, Limit: detailEventCount})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{
		"identity":         ident,
		"billing_accounts": emptyIfNil(accounts),
		"projects":         emptyIfNil(projects),
		"recent_events":    emptyIfNil(events),
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	filter := store.ProjectFilter{
		BillingAccountID: r.URL.Query().Get("billing_account"),
	}
	if name := r.URL.Query().Get("identity"); name != "" {
		ident, err := s.store.GetIdentityByName(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		filter.IdentityID = ident.ID
	}
	projects, err := s.store.ListProjects(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, emptyIfNil(projects))
}

// handleProjectRouter dispatches /api/projects/{id}[/billing|/admin-rights].
func (s *Server) handleProjectRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	projectID, sub, _ := strings.Cut(rest, "/")
	if projectID == "" {
		s.writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if !methodIs(w, r, http.MethodDelete) {
		return
	}
	ident, ok := s.identityParam(w, r)
	if !ok {
		return
	}

	var err error
	switch sub {
	case "":
		err = s.actions.DeleteProject(r.Context(), ident.Name, projectID)
	case "billing":
		err = s.actions.DetachProjectBilling(r.Context(), ident.Name, projectID)
	case "admin-rights":
		err = s.actions.RevokeProjectAdmin(r.Context(), ident.Name, projectID)
	default:
		s.writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"project_id": projectID})
}

func (s *Server) handleBillingAccounts(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	filter := store.BillingFilter{}
	if name := r.URL.Query().Get("identity"); name != "" {
		ident, err := s.store.GetIdentityByName(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		filter.IdentityID = ident.ID
	}
	if open := r.URL.Query().Get("open"); open != "" {
		v, err := strconv.ParseBool(open)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid open parameter")
			return
		}
		filter.IsOpen = &v
	}
	accounts, err := s.store.ListBillingAccounts(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, emptyIfNil(accounts))
}

// handleBillingRouter dispatches /api/billing-accounts/{id}[/admin-rights].
func (s *Server) handleBillingRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/billing-accounts/")
	accountID, sub, _ := strings.Cut(rest, "/")
	if accountID == "" {
		s.writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if !methodIs(w, r, http.MethodDelete) {
		return
	}
	ident, ok := s.identityParam(w, r)
	if !ok {
		return
	}

	var err error
	switch sub {
	case "":
		err = s.actions.DeleteBillingAccount(r.Context(), ident.Name, accountID)
	case "admin-rights":
		err = s.actions.RevokeBillingAdmin(r.Context(), ident.Name, accountID)
	default:
		s.writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"billing_account_id": accountID})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{
		Type:  q.Get("type"),
		Limit: defaultEventLimit,
	}
	if name := q.Get("identity"); name != "" {
		ident, err := s.store.GetIdentityByName(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		filter.IdentityID = ident.ID
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset parameter")
			return
		}
		filter.Offset = n
	}
	var err error
	if filter.Start, filter.End, err = timeWindow(q.Get("start"), q.Get("end")); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, lerr := s.store.ListEvents(r.Context(), filter)
	if lerr != nil {
		s.fail(w, lerr)
		return
	}
	s.writeSuccess(w, emptyIfNil(events))
}

func (s *Server) handleOperationsExport(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	req := archive.Request{}
	if name := q.Get("identity"); name != "" {
		ident, err := s.store.GetIdentityByName(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		req.IdentityID = ident.ID
		req.IdentityName = ident.Name
	}
	var err error
	if req.Start, req.End, err = timeWindow(q.Get("start"), q.Get("end")); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bundle, err := s.exporter.Export(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+bundle.Key+`"`)
	w.Header().Set("X-Bundle-Checksum", bundle.Checksum)
	if _, err := w.Write(bundle.Data); err != nil {
		s.logger.Error("failed to stream export bundle", "error", err)
	}
}

// timeWindow parses optional RFC 3339 start/end parameters.
func timeWindow(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(time.RFC3339, start); err != nil {
			return s, e, errors.New("invalid start parameter, want RFC 3339")
		}
	}
	if end != "" {
		if e, err = time.Parse(time.RFC3339, end); err != nil {
			return s, e, errors.New("invalid end parameter, want RFC 3339")
		}
	}
	return s, e, nil
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
