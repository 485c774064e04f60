package api

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := s.engine.Status()

	connected := 0
	for _, slave := range status.Slaves {
		if slave.Connected {
			connected++
		}
	}

	health := "healthy"
	switch {
	case !status.Running:
		health = "degraded"
	case !status.Master.Connected || connected == 0:
		health = "unhealthy"
	}

	return c.JSON(fiber.Map{
		"status":           health,
		"running":          status.Running,
		"master_connected": status.Master.Connected,
		"slaves_connected": connected,
		"slaves_total":     len(status.Slaves),
		"active_mappings":  status.ActiveMappings,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.engine.Status())
}

func (s *Server) handleReady(c *fiber.Ctx) error {
	status := s.engine.Status()

	if !status.Running {
		return c.Status(fiber.StatusServiceUnavailable).
			JSON(fiber.Map{"ready": false, "reason": "engine not running"})
	}
	if !status.Master.Connected {
		return c.Status(fiber.StatusServiceUnavailable).
			JSON(fiber.Map{"ready": false, "reason": "master not connected"})
	}

	for _, slave := range status.Slaves {
		if slave.Connected {
			return c.JSON(fiber.Map{"ready": true})
		}
	}
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"ready": false, "reason": "no slaves connected"})
}
