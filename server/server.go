// Package server is the scribe backend. It turns visit audio, text and
// documents into clinical result bundles over HTTP and WebSocket, and serves
// the patients API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"scribe/clinical"
	"scribe/config"
	"scribe/internal/db"
	"scribe/patient"
	"scribe/shutdown"
	"scribe/transcriber"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Config      *config.Config
	Extractor   clinical.Extractor
	Transcriber transcriber.Transcriber
	Patients    patient.Repository
	Logger      zerolog.Logger
	// Registry receives the server's metrics. Nil creates a private one.
	Registry *prometheus.Registry
}

type Server struct {
	cfg       *config.Config
	echo      *echo.Echo
	extractor clinical.Extractor
	stt       transcriber.Transcriber
	patients  patient.Repository
	logger    zerolog.Logger
	metrics   *Metrics
	upgrader  websocket.Upgrader
}

func New(opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	s := &Server{
		cfg:       cfg,
		extractor: opts.Extractor,
		stt:       opts.Transcriber,
		patients:  opts.Patients,
		logger:    opts.Logger,
		metrics:   newMetrics(reg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(recovery(s.logger))
	e.Use(echomw.RequestID())
	e.Use(requestLogger(s.logger))
	e.Use(s.metrics.middleware)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	e.GET("/ws/process-visit", s.handleVisitStream)
	e.GET("/ws/transcription", s.handleTranscriptionStream)

	api := e.Group("/api")
	api.POST("/process-visit", s.handleProcessVisit)
	api.POST("/process-text", s.handleProcessText)
	api.POST("/process-text-context", s.handleProcessTextContext)
	api.POST("/process-multiple-files", s.handleProcessFiles)
	api.POST("/generate-note", s.handleGenerateNote)

	p := api.Group("/patients")
	p.GET("", s.listPatients)
	p.POST("", s.createPatient)
	p.GET("/:id", s.getPatient)
	p.PUT("/:id", s.updatePatient)
	p.DELETE("/:id", s.deletePatient)
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// NewLogger is the request logger: JSON to stdout, or console output in
// development.
func NewLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Run builds the backend from cfg and serves until SIGINT or SIGTERM.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := NewLogger(cfg)

	billing, err := clinical.LoadBillingTable(cfg.BillingCodesPath)
	if err != nil {
		return err
	}
	var llm *clinical.LLMExtractor
	if cfg.OpenAIAPIKey != "" {
		llm, err = clinical.NewLLMExtractor(clinical.LLMConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Billing: billing,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, notes use the regex extractor")
	}
	extractor, err := clinical.New("auto", llm, billing)
	if err != nil {
		return err
	}

	stt, err := transcriber.New(transcriber.Keys{
		Deepgram: cfg.DeepgramAPIKey,
		Groq:     cfg.GroqAPIKey,
		OpenAI:   cfg.OpenAIAPIKey,
	}, cfg.Language)
	if errors.Is(err, transcriber.ErrNoProvider) {
		logger.Warn().Msg("no speech-to-text key set, audio is answered with a sample transcript")
		stt = transcriber.NewFake(transcriber.MockTranscript, nil)
	} else if err != nil {
		return err
	}

	repo := patient.NewMemoryRepo()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := patient.Migrate(ctx, pool); err != nil {
			return err
		}
		repo = patient.NewPGRepo(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, patients are kept in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := New(Options{
		Config:      cfg,
		Extractor:   extractor,
		Transcriber: stt,
		Patients:    repo,
		Logger:      logger,
		Registry:    reg,
	})

	ctx, stop := shutdown.Context(ctx)
	defer stop()
	return s.Start(ctx, ":"+cfg.Port)
}
