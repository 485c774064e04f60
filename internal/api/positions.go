package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleListPositions(c *fiber.Ctx) error {
	mappings := s.engine.Mappings()

	total := 0
	for _, list := range mappings {
		total += len(list)
	}

	return c.JSON(fiber.Map{
		"total":    total,
		"mappings": mappings,
	})
}

func (s *Server) handleMasterPosition(c *fiber.Ctx) error {
	ticket, err := strconv.ParseInt(c.Params("ticket"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "invalid ticket"})
	}

	mappings := s.engine.Mappings()
	list, found := mappings[ticket]
	if !found {
		return c.JSON(fiber.Map{"master_ticket": ticket, "mappings": []any{}, "found": false})
	}

	return c.JSON(fiber.Map{"master_ticket": ticket, "mappings": list, "found": true})
}

func (s *Server) handlePositionStats(c *fiber.Ctx) error {
	mappings := s.engine.Mappings()

	total := 0
	bySlave := make(map[string]int)
	bySymbol := make(map[string]int)
	for _, list := range mappings {
		for _, m := range list {
			total++
			bySlave[m.SlaveName]++
			bySymbol[m.Symbol]++
		}
	}

	return c.JSON(fiber.Map{
		"total_master_positions": len(mappings),
		"total_slave_positions":  total,
		"positions_by_slave":     bySlave,
		"positions_by_symbol":    bySymbol,
	})
}
