// Package api exposes the certificate authority and its serial-number
// repositories over REST. Enrollment, revocation, CRL, and OCSP live at the
// top level; per-number-space range administration sits under /admin.
package api

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/ca"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	authority *ca.CA
	repos     map[string]*allocator.Repository
	logger    *zap.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance. Every repository passed in becomes an
// addressable number space under /admin/{space}.
func New(authority *ca.CA, repos []*allocator.Repository, opts ...Option) *API {
	a := &API{
		authority: authority,
		repos:     make(map[string]*allocator.Repository, len(repos)),
		logger:    zap.NewNop(),
	}
	for _, repo := range repos {
		a.repos[repo.Name()] = repo
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Post("/enroll", a.Enroll)
	r.Post("/revoke/{serial}", a.Revoke)
	r.Get("/crl", a.GetCRL)
	r.Post("/ocsp", a.OCSP)
	r.Get("/ca-certificate", a.CACertificate)

	r.Route("/admin/{space}", func(r chi.Router) {
		r.Use(a.spaceCtx)
		r.Get("/next", a.NextSerial)
		r.Get("/peek", a.PeekSerial)
		r.Get("/status", a.SpaceStatus)
		r.Put("/range", a.SetRange)
		r.Put("/serial-management", a.SetSerialManagement)
		r.Post("/check-ranges", a.CheckRanges)
	})

	return r
}

// spaceCtx resolves {space} to a repository before the admin handlers run.
func (a *API) spaceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "space")
		if _, ok := a.repos[name]; !ok {
			writeError(w, http.StatusNotFound, "unknown number space "+name)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) repo(r *http.Request) *allocator.Repository {
	return a.repos[chi.URLParam(r, "space")]
}
