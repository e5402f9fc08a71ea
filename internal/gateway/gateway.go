// ABOUTME: Gateway orchestrator that wires the store, providers and services behind one HTTP server
// ABOUTME: Manages listener setup (TCP or tailnet), graceful shutdown and health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/richatz/internal/answer"
	"github.com/2389/richatz/internal/auth"
	"github.com/2389/richatz/internal/config"
	"github.com/2389/richatz/internal/conversation"
	"github.com/2389/richatz/internal/dedupe"
	"github.com/2389/richatz/internal/llm"
	"github.com/2389/richatz/internal/mail"
	"github.com/2389/richatz/internal/metrics"
	"github.com/2389/richatz/internal/store"
	"github.com/2389/richatz/internal/weather"
	"github.com/2389/richatz/internal/websearch"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Gateway serves the richatz HTTP API.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	accounts     *auth.Accounts
	verifier     *auth.JWTVerifier
	events       *conversation.EventBroadcaster
	replay       *dedupe.Cache
	metrics      *metrics.Recorder
	router       *mux.Router
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// Deps overrides collaborators that are otherwise built from config.
// Nil fields are built from config.
type Deps struct {
	Store   store.Store
	Model   llm.ChatModel
	Weather weather.Lookup
	Search  websearch.Searcher
	Mailer  mail.Mailer
}

// initStore opens the configured database. RICHATZ_DB_PATH overrides the
// sqlite path.
func initStore(cfg *config.Config) (*store.SQLStore, error) {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == store.DialectSQLite {
		dsn = cfg.Database.Path
		if envPath := os.Getenv("RICHATZ_DB_PATH"); envPath != "" {
			dsn = envPath
		}
	}

	s, err := store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initModel returns nil when no API key is configured so the resolver
// answers with the not-configured message.
func initModel(cfg *config.Config, logger *slog.Logger) llm.ChatModel {
	if cfg.AI.APIKey == "" {
		logger.Warn("ai.api_key not set, conversational answers are disabled")
		return nil
	}
	return llm.NewOpenAIModel(llm.Config{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
	}, logger)
}

func initWeather(cfg *config.Config, logger *slog.Logger) weather.Lookup {
	if cfg.Weather.APIKey == "" {
		logger.Warn("weather.api_key not set, weather route disabled")
		return nil
	}
	return weather.NewClient(cfg.Weather.APIKey, cfg.Weather.BaseURL, cfg.Weather.Timeout, logger)
}

func initSearch(cfg *config.Config, logger *slog.Logger) websearch.Searcher {
	if cfg.Search.APIKey == "" || cfg.Search.EngineID == "" {
		logger.Warn("search.api_key or search.engine_id not set, search route disabled")
		return nil
	}
	return websearch.NewClient(cfg.Search.APIKey, cfg.Search.EngineID, cfg.Search.BaseURL, cfg.Search.Timeout, logger)
}

// resolveDeps fills every nil dependency from config.
func resolveDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (Deps, error) {
	if deps.Store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return deps, err
		}
		deps.Store = s
	}
	if deps.Model == nil {
		deps.Model = initModel(cfg, logger)
	}
	if deps.Weather == nil {
		deps.Weather = initWeather(cfg, logger)
	}
	if deps.Search == nil {
		deps.Search = initSearch(cfg, logger)
	}
	if deps.Mailer == nil {
		deps.Mailer = mail.New(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		}, logger)
	}
	return deps, nil
}

// New creates a new Gateway with every collaborator built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway using the given collaborators where set.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	deps, err = resolveDeps(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	recorder := metrics.New()
	if sqlStore, ok := deps.Store.(*store.SQLStore); ok {
		recorder.RegisterDBStats(sqlStore.DB(), cfg.Database.Driver)
	}

	a := cfg.Assistant
	resolver := answer.New(answer.Config{
		HistoryWindow:      a.HistoryWindow,
		MemoryWindow:       a.MemoryWindow,
		DefaultLocation:    cfg.Weather.DefaultLocation,
		LocationExtraction: a.LocationExtraction,
		WeatherKeywords:    a.WeatherKeywords,
		SearchPrefixes:     a.SearchPrefixes,
		BriefingPrompt:     a.BriefingPrompt,
		BriefingReply:      a.BriefingReply,
		ModelTimeout:       cfg.AI.Timeout,
		WeatherTimeout:     cfg.Weather.Timeout,
		SearchTimeout:      cfg.Search.Timeout,
	}, deps.Model, deps.Weather, deps.Search, logger, answer.WithObserver(recorder))

	events := conversation.NewEventBroadcaster(logger)
	convService := conversation.New(deps.Store, resolver, conversation.Options{
		PlaceholderTitle: a.PlaceholderTitle,
		TitleMaxLength:   a.TitleMaxLength,
		Events:           events,
		Observer:         recorder,
	}, logger)

	accounts := auth.NewAccounts(deps.Store, deps.Mailer, verifier, auth.AccountsConfig{
		TokenTTL: cfg.Auth.TokenTTL,
		OTPTTL:   cfg.Auth.OTPTTL,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        deps.Store,
		conversation: convService,
		accounts:     accounts,
		verifier:     verifier,
		events:       events,
		replay:       dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries),
		metrics:      recorder,
		logger:       logger.With("component", "gateway"),
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP router.
func (g *Gateway) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.metrics.Middleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Health and metrics - no auth required
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler()).Methods(http.MethodGet)
	}

	// Account flows
	r.HandleFunc("/auth/register", g.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify", g.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", g.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/forgot", g.handleForgot).Methods(http.MethodPost)
	r.HandleFunc("/auth/reset", g.handleReset).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(auth.HTTPAuthMiddleware(g.store, g.verifier, g.logger))

	api.HandleFunc("/conversations", g.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", g.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", g.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/ask", g.handleAsk).Methods(http.MethodPost)
	api.HandleFunc("/events", g.handleEvents).Methods(http.MethodGet)

	// Paths used by the first browser client
	api.HandleFunc("/new_chat", g.handleLegacyNewChat).Methods(http.MethodPost)
	api.HandleFunc("/history", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversation/{id}", g.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/delete_conversation/{id}", g.handleDeleteConversation).Methods(http.MethodDelete, http.MethodPost)
	api.HandleFunc("/ask", g.handleLegacyAsk).Methods(http.MethodPost)

	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// setupTCPListener creates a standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "richatz", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. Event
// streams are closed first so Shutdown does not wait on them.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.replay.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
