package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/pgmflow/internal/auth"
	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/store"
)

// Router provides embeddable HTTP handlers over the lifecycle store.
// Endpoints (under basePath, default "/api"):
//
//	POST /auth/login              body: {username, password}
//	GET  /records                 query: status=, task=, type=, limit=
//	GET  /records/:id             record with stage events, details, alarms
//	POST /records/:id/approve     set the apply flag (auth)
//	POST /records/:id/revoke      clear the apply flag (auth)
//	GET  /alarms                  open alarms across all drafts
//	POST /alarms/:id/resolve      body: {resolved_by} (auth)
//	GET  /healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	st       store.Store
	authSvc  *auth.Service
	mw       *auth.Middleware
	sink     history.Sink
	basePath string
}

// NewRouter constructs a Router. authSvc may be nil when auth is disabled.
func NewRouter(st store.Store, authSvc *auth.Service, authEnabled bool, sink history.Sink, basePath string) *Router {
	return &Router{
		st:       st,
		authSvc:  authSvc,
		mw:       auth.NewMiddleware(authSvc, authEnabled && authSvc != nil),
		sink:     sink,
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.POST("/auth/login", r.handleLogin)

	group.GET("/records", r.handleListRecords)
	group.GET("/records/:id", r.handleGetRecord)

	mut := group.Group("", r.mw.Authenticate(), r.mw.RequireMutate())
	mut.POST("/records/:id/approve", r.handleApprove)
	mut.POST("/records/:id/revoke", r.handleRevoke)
	mut.POST("/alarms/:id/resolve", r.handleResolveAlarm)

	group.GET("/alarms", r.handleOpenAlarms)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// A non-nil tlsConfig switches the listener to HTTPS.
func NewServer(addr string, r *Router, tlsConfig *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsConfig != nil {
		// Certificates come from TLSConfig.GetCertificate.
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server
}
