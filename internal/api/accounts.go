package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mt5-copytrader/internal/copier"
)

// CreateSlaveRequest is the body for POST /accounts/slaves.
type CreateSlaveRequest struct {
	Name          string   `json:"name"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Login         int64    `json:"login"`
	Password      string   `json:"password"`
	Server        string   `json:"server"`
	Enabled       *bool    `json:"enabled"`
	LotMode       string   `json:"lot_mode"`
	LotValue      *float64 `json:"lot_value"`
	MaxLot        *float64 `json:"max_lot"`
	MinLot        *float64 `json:"min_lot"`
	SymbolsFilter []string `json:"symbols_filter"`
	MagicNumber   *int32   `json:"magic_number"`
	InvertTrades  bool     `json:"invert_trades"`
	MaxSlippage   *int     `json:"max_slippage"`
}

// toConfig validates the request and fills the defaults.
func (r *CreateSlaveRequest) toConfig() (copier.SlaveConfig, error) {
	cfg := copier.SlaveConfig{
		Name:          r.Name,
		Host:          r.Host,
		Port:          8001,
		Enabled:       true,
		Login:         r.Login,
		Password:      r.Password,
		Server:        r.Server,
		LotMode:       copier.LotModeExact,
		LotValue:      1.0,
		MaxLot:        10.0,
		MinLot:        0.01,
		SymbolsFilter: r.SymbolsFilter,
		MagicNumber:   123456,
		InvertTrades:  r.InvertTrades,
		MaxSlippage:   20,
	}

	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if r.Enabled != nil {
		cfg.Enabled = *r.Enabled
	}
	if r.LotMode != "" {
		mode, err := copier.ParseLotMode(r.LotMode)
		if err != nil {
			return copier.SlaveConfig{}, err
		}
		cfg.LotMode = mode
	}
	if r.LotValue != nil {
		cfg.LotValue = *r.LotValue
	}
	if r.MaxLot != nil {
		cfg.MaxLot = *r.MaxLot
	}
	if r.MinLot != nil {
		cfg.MinLot = *r.MinLot
	}
	if r.MagicNumber != nil {
		cfg.MagicNumber = *r.MagicNumber
	}
	if r.MaxSlippage != nil {
		cfg.MaxSlippage = *r.MaxSlippage
	}
	return cfg, nil
}

func (s *Server) handleListAccounts(c *fiber.Ctx) error {
	master := s.engine.Master()

	slaves := s.engine.ListSlaves()
	slaveStates := make([]*copier.AccountState, 0, len(slaves))
	for _, slave := range slaves {
		slaveStates = append(slaveStates, slave.State)
	}

	return c.JSON(fiber.Map{
		"master": master.State(),
		"slaves": slaveStates,
	})
}

func (s *Server) handleListSlaves(c *fiber.Ctx) error {
	return c.JSON(s.engine.ListSlaves())
}

func (s *Server) handleAddSlave(c *fiber.Ctx) error {
	var req CreateSlaveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "invalid payload"})
	}

	if req.Name == "" || req.Host == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "name and host are required"})
	}

	cfg, err := req.toConfig()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	if err := s.engine.AddSlave(c.UserContext(), cfg); err != nil {
		return fail(c, err)
	}

	detail, err := s.engine.SlaveState(cfg.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":   true,
		"name":      cfg.Name,
		"connected": detail.Connected,
		"state":     detail.State,
	})
}

func (s *Server) handleUpdateSlave(c *fiber.Ctx) error {
	var update copier.SlaveUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "invalid payload"})
	}

	if update.Empty() {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "no fields to update"})
	}

	name := c.Params("name")
	if err := s.engine.UpdateSlave(c.UserContext(), name, update); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "name": name})
}

func (s *Server) handleRemoveSlave(c *fiber.Ctx) error {
	name := c.Params("name")
	closePositions := c.QueryBool("close_positions")

	if err := s.engine.RemoveSlave(c.UserContext(), name, closePositions); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "name": name})
}

func (s *Server) handleEnableSlave(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.engine.EnableSlave(c.UserContext(), name); err != nil {
		return fail(c, err)
	}

	detail, err := s.engine.SlaveState(name)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "name": name, "connected": detail.Connected})
}

func (s *Server) handleDisableSlave(c *fiber.Ctx) error {
	name := c.Params("name")
	closePositions := c.QueryBool("close_positions")

	if err := s.engine.DisableSlave(c.UserContext(), name, closePositions); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "name": name, "positions_closed": closePositions})
}

func (s *Server) handleGetAccount(c *fiber.Ctx) error {
	name := c.Params("name")

	master := s.engine.Master()
	if name == "master" || name == master.Config().Name {
		return c.JSON(master.State())
	}

	detail, err := s.engine.SlaveState(name)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(detail.State)
}

func (s *Server) handleReconnect(c *fiber.Ctx) error {
	name := c.Params("name")

	err := s.engine.Reconnect(c.UserContext(), name)
	if err != nil && !isConnectFailure(err) {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"account": name,
		"action":  "reconnect",
		"success": err == nil,
	})
}

// isConnectFailure distinguishes "tried and failed" from "no such account".
func isConnectFailure(err error) bool {
	return err != nil && !errors.Is(err, copier.ErrSlaveNotFound)
}
