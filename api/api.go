package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/export"
	"github.com/inkfold/retell/pkg/memory"
	"github.com/inkfold/retell/pkg/storage"
)

// Server is the read-only API server over a retell database.
type Server struct {
	config    Config
	storer    storage.Driver
	exporter  *export.Service
	retriever *memory.Retriever
	logger    *zap.Logger
	app       *fiber.App
}

// NewServer creates a new API server. The storer is injected to allow
// sharing with other components. retriever may be nil; the search endpoint
// then reports itself unavailable.
func NewServer(config Config, storer storage.Driver, retriever *memory.Retriever, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:    config,
		storer:    storer,
		exporter:  export.NewService(storer, logger),
		retriever: retriever,
		logger:    logger,
		app:       app,
	}

	app.Get("/ping", s.handlePing)

	v1 := app.Group("/api/v1")
	v1.Get("/books", s.handleListBooks)
	v1.Get("/books/:book", s.handleBookSnapshot)
	v1.Get("/books/:book/narrations/:index", s.handleNarration)
	v1.Get("/books/:book/characters", s.handleCharacters)
	v1.Get("/books/:book/items", s.handleItems)
	v1.Get("/books/:book/timeline", s.handleTimeline)
	v1.Get("/books/:book/search", s.handleSearchEndpoint)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
