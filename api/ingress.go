package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/sipfork/pkg/sip"
	"github.com/papercomputeco/sipfork/router"
)

// CreateForkRequest is posted by the SIP edge for every request to fork.
type CreateForkRequest struct {
	Request  *sip.Request  `json:"request"`
	Contacts []sip.Contact `json:"contacts"`
	Keys     []string      `json:"keys"`
}

// RegistrationRequest reports a device that just registered.
type RegistrationRequest struct {
	Key     string      `json:"key"`
	Contact sip.Contact `json:"contact"`
}

// RegistrationResponse counts the forks that dispatched to the new device.
type RegistrationResponse struct {
	Dispatched int `json:"dispatched"`
}

func (s *Server) handleCreateFork(c *fiber.Ctx) error {
	var body CreateForkRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if body.Request == nil || body.Request.CallID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "request with call_id required"})
	}

	p, err := s.router.Fork(c.Context(), body.Request, body.Contacts, body.Keys...)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("failed to create fork",
			"call_id", body.Request.CallID,
			"error", err,
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(p.Info())
}

func (s *Server) handleBranchResponse(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	var resp sip.Response
	if err := c.BodyParser(&resp); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if resp.Status < 100 || resp.Status > 699 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "status must be between 100 and 699"})
	}

	err := s.router.OnResponse(c.Context(), id, resp)
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusNoContent)
	case errors.Is(err, router.ErrUnknownBranch):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "branch not found"})
	default:
		s.logger.Warn("branch response failed",
			"branch_id", id,
			"status", resp.Status,
			"error", err,
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleRegistration(c *fiber.Ctx) error {
	var body RegistrationRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if body.Key == "" || body.Contact.URI == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "key and contact.uri required"})
	}

	n := s.router.OnRegister(c.Context(), body.Key, body.Contact)
	return c.JSON(RegistrationResponse{Dispatched: n})
}
