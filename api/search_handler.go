package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	apisearch "github.com/inkfold/retell/api/search"
)

// handleSearchEndpoint handles GET /api/v1/books/:book/search requests.
// Query parameters:
//   - query (required): the search query text
//   - top_k (optional): number of results to return
func (s *Server) handleSearchEndpoint(c *fiber.Ctx) error {
	if s.retriever == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{
			Error: "search is not configured: a retriever is required",
		})
	}

	query := c.Query("query")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{
			Error: "query parameter is required",
		})
	}

	topK := s.config.SearchTopK
	if topKStr := c.Query("top_k"); topKStr != "" {
		parsed, err := strconv.Atoi(topKStr)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{
				Error: "top_k must be a positive integer",
			})
		}
		topK = parsed
	}

	output, err := apisearch.Search(
		c.Context(),
		query,
		topK,
		c.Params("book"),
		s.retriever,
		s.storer,
		s.logger,
	)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error: err.Error(),
		})
	}

	return c.JSON(output)
}
