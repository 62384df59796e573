package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

// narrationResponse is the wire shape of one narration lookup.
type narrationResponse struct {
	BookID        string `json:"book_id"`
	ChapterIdx    int    `json:"chapter_idx"`
	PromptVersion string `json:"prompt_version"`
	Model         string `json:"model"`
	Content       string `json:"content"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

func (s *Server) handleListBooks(c *fiber.Ctx) error {
	books, err := s.storer.ListBooks(c.Context())
	if err != nil {
		s.logger.Error("listing books", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list books"})
	}
	return c.JSON(books)
}

// handleBookSnapshot returns the full read model of one book.
func (s *Server) handleBookSnapshot(c *fiber.Ctx) error {
	snap, err := s.exporter.FinalSnapshot(c.Context(), c.Params("book"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "book not found"})
	}
	return c.JSON(snap)
}

// handleNarration returns the latest narration for one chapter.
func (s *Server) handleNarration(c *fiber.Ctx) error {
	idx, err := strconv.Atoi(c.Params("index"))
	if err != nil || idx < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "index must be a positive integer"})
	}

	nr, err := s.exporter.LatestNarration(c.Context(), c.Params("book"), idx)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "narration not found"})
	}

	return c.JSON(narrationResponse{
		BookID:        nr.BookID,
		ChapterIdx:    nr.ChapterIdx,
		PromptVersion: nr.PromptVersion,
		Model:         nr.Model,
		Content:       nr.Content,
	})
}

func (s *Server) handleCharacters(c *fiber.Ctx) error {
	chars, err := s.exporter.CharacterStatesSnapshot(c.Context(), c.Params("book"))
	if err != nil {
		s.logger.Error("listing characters", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list characters"})
	}
	return c.JSON(chars)
}

func (s *Server) handleItems(c *fiber.Ctx) error {
	items, err := s.exporter.ItemStatesSnapshot(c.Context(), c.Params("book"))
	if err != nil {
		s.logger.Error("listing items", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list items"})
	}
	return c.JSON(items)
}

// handleTimeline returns a book's plot events. The optional upto query
// parameter bounds the timeline by chapter index.
func (s *Server) handleTimeline(c *fiber.Ctx) error {
	upto := 0
	if uptoStr := c.Query("upto"); uptoStr != "" {
		parsed, err := strconv.Atoi(uptoStr)
		if err != nil || parsed < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "upto must be a positive integer"})
		}
		upto = parsed
	}

	events, err := s.exporter.EventTimeline(c.Context(), c.Params("book"), upto)
	if err != nil {
		s.logger.Error("listing timeline", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list timeline"})
	}
	return c.JSON(events)
}
