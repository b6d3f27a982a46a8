// Package httpapi exposes the Command Surface (C9) as JSON-over-HTTP — the
// concrete stand-in SPEC_FULL.md gives to "the thin invocation bridge used
// by the UI", which spec.md itself places out of scope. Grounded on the
// teacher's internal/server: a chi router, the same logging/recoverer/CORS
// middleware stack, and graceful shutdown driven by the caller's context.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/command"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/identity"
	"github.com/nostrmls/core/internal/invite"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
	"github.com/nostrmls/core/internal/transcript"
)

// Type aliases so the Command interface below can name these shapes without
// every handler file re-importing each owning package.
type (
	Account         = identity.Account
	RelayEntry      = command.RelayEntry
	KeyPackageView  = command.KeyPackageView
	Contact         = command.Contact
	Group           = mlsengine.Group
	GroupWithRelays = command.GroupWithRelays
	Entry           = transcript.Entry
	Event           = codec.Event
	Invite          = invite.Invite
	Onboarding      = store.Onboarding
)

// Command is the subset of *command.Service this adapter calls through.
// Declared locally, same leaf-package idiom as every other component, so
// the HTTP layer can be exercised with a fake in tests without a real
// store/engine/relay pool behind it.
type Command interface {
	CreateIdentity(name string) (Account, error)
	Login(nsecOrHex string) (Account, error)
	Logout(pubkey string) error
	SetActiveAccount(pubkey string) (Account, error)
	GetAccounts() ([]Account, error)

	FetchRelays(pubkey string) map[string]string
	PublishRelayList(ctx context.Context, pubkey string, kind int, entries []RelayEntry) error

	PublishKeyPackage(ctx context.Context, pubkey string) (string, error)
	DeleteKeyPackages(ctx context.Context, pubkey string) error
	ParseKeyPackage(hexEncoded string) (KeyPackageView, error)

	FetchEnrichedContacts(ctx context.Context, pubkey string) (map[string]Contact, error)
	QueryEnrichedContact(ctx context.Context, pubkey, contactPubKey string, updateAccount bool) Contact
	SearchForEnrichedContacts(pubkey, query string) map[string]Contact

	CreateGroup(ctx context.Context, creatorPubKey string, memberPubKeys, adminPubKeys []string, name, description string) (*Group, error)
	GetGroups(accountPubKey string) ([]Group, error)
	GetGroup(nostrGroupID string) (GroupWithRelays, error)
	GetGroupAndMessages(nostrGroupID string, since, until *int64, limit int) (*Group, []Entry, error)
	GetGroupMembers(nostrGroupID string) ([]string, error)
	GetGroupAdmins(nostrGroupID string) ([]string, error)

	SendMlsMessage(ctx context.Context, accountPubKey, nostrGroupID, message string, kind int, tags [][]string) (*Event, error)
	PayInvoice(ctx context.Context, accountPubKey, nostrGroupID string, tags [][]string, bolt11 string) (*Event, error)
	DeleteMessage(ctx context.Context, accountPubKey, nostrGroupID, messageID string) (*Event, error)
	QueryMessage(eventID string) (*Entry, error)

	FetchInvitesForUser(pubkey string) ([]Invite, error)
	AcceptInvite(ctx context.Context, accountPubKey, welcomeEventID string, welcomeEvent *Event) (*Group, error)
	DeclineInvite(accountPubKey, welcomeEventID string) error
	FetchAndProcessMLSMessages(accountPubKey string)

	UpdateAccountOnboarding(pubkey string, flags Onboarding) error
	DeleteData(pubkey string) error
}

// Signals is the subset of *signals.Bus the /api/signals snapshot endpoint
// needs — grounded on the teacher's LogBroadcaster.Lines() poll pattern
// (internal/server/admin.go's handleAdminLogSnapshot), rather than an SSE
// stream the teacher never builds either.
type Signals interface {
	Recent() []signals.Signal
}

// Server adapts a Command onto an HTTP router.
type Server struct {
	cmd       Command
	sig       Signals
	router    *chi.Mux
	startedAt time.Time
}

func New(cmd Command, sig Signals) *Server {
	s := &Server{cmd: cmd, sig: sig, startedAt: time.Now()}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting command-surface HTTP server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("httpapi: shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("httpapi: server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/api/signals", s.handleSignalsSnapshot)

	r.Route("/api/identity", func(r chi.Router) {
		r.Post("/create", s.handleCreateIdentity)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/activate", s.handleSetActiveAccount)
		r.Get("/accounts", s.handleGetAccounts)
		r.Patch("/onboarding", s.handleUpdateAccountOnboarding)
		r.Post("/delete-data", s.handleDeleteData)
	})

	r.Route("/api/relays", func(r chi.Router) {
		r.Get("/", s.handleFetchRelays)
		r.Post("/publish", s.handlePublishRelayList)
	})

	r.Route("/api/key-packages", func(r chi.Router) {
		r.Post("/publish", s.handlePublishKeyPackage)
		r.Post("/delete", s.handleDeleteKeyPackages)
		r.Post("/parse", s.handleParseKeyPackage)
	})

	r.Route("/api/contacts", func(r chi.Router) {
		r.Get("/", s.handleFetchEnrichedContacts)
		r.Get("/query", s.handleQueryEnrichedContact)
		r.Get("/search", s.handleSearchEnrichedContacts)
	})

	r.Route("/api/groups", func(r chi.Router) {
		r.Post("/", s.handleCreateGroup)
		r.Get("/", s.handleGetGroups)
		r.Get("/{groupID}", s.handleGetGroup)
		r.Get("/{groupID}/messages", s.handleGetGroupAndMessages)
		r.Get("/{groupID}/members", s.handleGetGroupMembers)
		r.Get("/{groupID}/admins", s.handleGetGroupAdmins)
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/send", s.handleSendMlsMessage)
		r.Post("/pay-invoice", s.handlePayInvoice)
		r.Post("/delete", s.handleDeleteMessage)
		r.Get("/{messageID}", s.handleQueryMessage)
	})

	r.Route("/api/invites", func(r chi.Router) {
		r.Get("/", s.handleFetchInvitesForUser)
		r.Post("/accept", s.handleAcceptInvite)
		r.Post("/decline", s.handleDeclineInvite)
		r.Post("/process", s.handleFetchAndProcessMLSMessages)
	})

	return r
}

func (s *Server) handleSignalsSnapshot(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.sig.Recent(), http.StatusOK)
}

// ─── response helpers ───────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: failed to encode JSON response", "error", err)
	}
}

// errorBody is the `{ kind, message }` shape spec.md §7 requires every
// user-visible failure to take.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorResponse maps a CoreError onto an HTTP status code and the stable
// {kind, message} body; a plain error (never expected from the command
// surface, but handled defensively) falls back to a 500.
func errorResponse(w http.ResponseWriter, err error) {
	ce, ok := err.(*coreerr.CoreError)
	if !ok {
		jsonResponse(w, errorBody{Kind: "Internal", Message: err.Error()}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, errorBody{Kind: string(ce.Kind), Message: ce.Message}, statusForKind(ce.Kind))
}

func statusForKind(kind coreerr.Kind) int {
	switch kind {
	case coreerr.InvalidKey, coreerr.EventMalformed, coreerr.EventSignatureInvalid, coreerr.KeyPackageMalformed:
		return http.StatusBadRequest
	case coreerr.NoAccount, coreerr.GroupNotFound, coreerr.NoKeyPackage:
		return http.StatusNotFound
	case coreerr.NotAuthor:
		return http.StatusForbidden
	case coreerr.KeyPackageAlreadyUsed, coreerr.WelcomeReplay, coreerr.GroupForked, coreerr.GroupClosed, coreerr.CiphersuiteMismatch, coreerr.KeyPackageCiphersuiteUnsupported, coreerr.KeyPackageInvalid:
		return http.StatusConflict
	case coreerr.PublishUnreachable, coreerr.SubscribeFailed, coreerr.WalletUnavailable:
		return http.StatusBadGateway
	case coreerr.Timeout:
		return http.StatusGatewayTimeout
	case coreerr.Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// ─── middleware ─────────────────────────────────────────────────────────────

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
