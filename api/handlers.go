package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/router"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ForkListResponse lists the forks of the router.
type ForkListResponse struct {
	Count int            `json:"count"`
	Forks []dbproxy.Info `json:"forks"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleStats returns fork counts and counters.
func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.router.Stats())
}

func (s *Server) handleListForks(c *fiber.Ctx) error {
	forks := s.router.Forks()
	return c.JSON(ForkListResponse{
		Count: len(forks),
		Forks: forks,
	})
}

// handleGetFork returns a fork by snapshot ID or Call-ID.
func (s *Server) handleGetFork(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	p, ok := s.router.Lookup(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "fork not found"})
	}

	return c.JSON(p.Info())
}

// handleEvictFork saves a fork to storage now.
func (s *Server) handleEvictFork(c *fiber.Ctx) error {
	return s.transition(c, s.router.Evict)
}

// handleMaterializeFork brings a fork back in memory.
func (s *Server) handleMaterializeFork(c *fiber.Ctx) error {
	return s.transition(c, s.router.Materialize)
}

func (s *Server) transition(c *fiber.Ctx, move func(ctx context.Context, id string) error) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	err := move(c.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrUnknownFork):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "fork not found"})
	case errors.Is(err, dbproxy.ErrCompleted):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "fork already completed"})
	default:
		s.logger.Warn("fork transition failed",
			"id", id,
			"path", c.Path(),
			"error", err,
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
	}

	p, ok := s.router.Lookup(id)
	if !ok {
		// Completed during the transition.
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(p.Info())
}
