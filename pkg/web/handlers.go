package web

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tutor/pkg/engine"
	"github.com/teslashibe/go-tutor/pkg/hub"
)

// SessionRequest is the body of the session endpoints.
type SessionRequest struct {
	AgentID string `json:"agent_id"`
}

// SessionResponse reports the outcome of a session request.
type SessionResponse struct {
	Status engine.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleStatus returns the engine state.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.engine.Status())
}

// handleTranscript returns the current transcript.
func (s *Server) handleTranscript(c *fiber.Ctx) error {
	lines := s.engine.Transcript()
	if lines == nil {
		lines = []engine.TranscriptEvent{}
	}
	return c.JSON(lines)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	agentID, err := s.agentID(c)
	if err != nil {
		return err
	}
	return s.respond(c, s.engine.Start(c.UserContext(), agentID))
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	return s.respond(c, s.engine.Stop())
}

func (s *Server) handleToggle(c *fiber.Ctx) error {
	var agentID string
	if !s.engine.Status().State.Active() {
		id, err := s.agentID(c)
		if err != nil {
			return err
		}
		agentID = id
	}
	return s.respond(c, s.engine.Toggle(c.UserContext(), agentID))
}

// agentID reads the agent from the body, falling back to the default.
func (s *Server) agentID(c *fiber.Ctx) (string, error) {
	var req SessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return "", fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.DefaultAgentID
	}
	if req.AgentID == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "agent_id is required")
	}
	return req.AgentID, nil
}

// respond writes the engine status, mapping session errors to HTTP codes.
func (s *Server) respond(c *fiber.Ctx, err error) error {
	resp := SessionResponse{Status: s.engine.Status()}
	if err == nil {
		return c.JSON(resp)
	}

	status := fiber.StatusInternalServerError
	var serr *engine.SessionError
	switch {
	case errors.As(err, &serr):
		resp.Error = serr.UserMessage()
		switch serr.Kind {
		case engine.KindPermission:
			status = fiber.StatusForbidden
		case engine.KindTransport:
			status = fiber.StatusBadGateway
		}
	case errors.Is(err, engine.ErrSessionStopped):
		resp.Error = "session was stopped"
		status = fiber.StatusConflict
	case errors.Is(err, engine.ErrMissingAgentID):
		resp.Error = "agent_id is required"
		status = fiber.StatusBadRequest
	default:
		resp.Error = err.Error()
	}

	s.logger.Warn("session request failed", "path", c.Path(), "error", err)
	return c.Status(status).JSON(resp)
}

// handleError renders errors as {"error": ...}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleStatusWS streams status snapshots, starting with the current one.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	initial, err := hub.EncodeJSON(s.engine.Status())
	if err != nil {
		s.logger.Warn("failed to encode status", "error", err)
		return
	}
	s.statusHub.Serve(c, initial)
}
