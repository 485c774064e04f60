package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/copier"
	"mt5-copytrader/internal/deploy"
)

const containerReadyTimeout = 3 * time.Minute

// DeploySlaveRequest is the body for POST /deploy/slave.
type DeploySlaveRequest struct {
	MT5Login    string `json:"mt5_login"`
	MT5Password string `json:"mt5_password"`
	MT5Server   string `json:"mt5_server"`

	Name          string   `json:"name"`
	LotMode       string   `json:"lot_mode"`
	LotValue      *float64 `json:"lot_value"`
	MaxLot        *float64 `json:"max_lot"`
	MinLot        *float64 `json:"min_lot"`
	MagicNumber   *int32   `json:"magic_number"`
	InvertTrades  bool     `json:"invert_trades"`
	MaxSlippage   *int     `json:"max_slippage"`
	SymbolsFilter []string `json:"symbols_filter"`
}

func (s *Server) handleDeploySlave(c *fiber.Ctx) error {
	var req DeploySlaveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "invalid payload"})
	}

	if req.MT5Login == "" || req.MT5Password == "" || req.MT5Server == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "mt5_login, mt5_password and mt5_server are required"})
	}

	slaveName := req.Name
	if slaveName == "" {
		slaveName = "slave-" + req.MT5Login
	}
	containerName := deploy.ContainerName(slaveName)

	ctx := c.UserContext()

	if s.deployer.ContainerExists(ctx, containerName) {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "container already exists: " + containerName})
	}
	if _, err := s.engine.SlaveState(slaveName); err == nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": "slave already registered: " + slaveName})
	}

	created, err := s.deployer.CreateSlaveContainer(ctx, slaveName, deploy.Credentials{
		Login:    req.MT5Login,
		Password: req.MT5Password,
		Server:   req.MT5Server,
	})
	if err != nil {
		log.Error().Err(err).Str("slave", slaveName).Msg("container creation failed")
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"success": false, "error": "failed to create slave container"})
	}

	if !s.deployer.WaitForReady(ctx, created, containerReadyTimeout) {
		return c.JSON(fiber.Map{
			"success":        true,
			"message":        "container created but not yet ready; the terminal may take a few minutes to initialize",
			"container_name": created,
			"slave_name":     slaveName,
		})
	}

	cfg, err := s.deployConfig(req, slaveName, created)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	if err := s.engine.AddSlave(ctx, cfg); err != nil {
		return c.JSON(fiber.Map{
			"success":        true,
			"message":        "container created but slave registration failed; reconnect later",
			"container_name": created,
			"slave_name":     slaveName,
			"error":          err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "slave container deployed and registered",
		"container_name": created,
		"slave_name":     slaveName,
	})
}

func (s *Server) deployConfig(req DeploySlaveRequest, slaveName, containerName string) (copier.SlaveConfig, error) {
	login, err := strconv.ParseInt(req.MT5Login, 10, 64)
	if err != nil {
		return copier.SlaveConfig{}, err
	}

	mode := copier.LotModeProportional
	if req.LotMode != "" {
		parsed, err := copier.ParseLotMode(req.LotMode)
		if err != nil {
			return copier.SlaveConfig{}, err
		}
		mode = parsed
	}

	cfg := copier.SlaveConfig{
		Name:          slaveName,
		Host:          containerName, // docker network hostname
		Port:          deploy.BridgePort(),
		Enabled:       true,
		Login:         login,
		Password:      req.MT5Password,
		Server:        req.MT5Server,
		LotMode:       mode,
		LotValue:      1.0,
		MaxLot:        10.0,
		MinLot:        0.01,
		SymbolsFilter: req.SymbolsFilter,
		MagicNumber:   123456,
		InvertTrades:  req.InvertTrades,
		MaxSlippage:   30,
	}
	if req.LotValue != nil {
		cfg.LotValue = *req.LotValue
	}
	if req.MaxLot != nil {
		cfg.MaxLot = *req.MaxLot
	}
	if req.MinLot != nil {
		cfg.MinLot = *req.MinLot
	}
	if req.MagicNumber != nil {
		cfg.MagicNumber = *req.MagicNumber
	}
	if req.MaxSlippage != nil {
		cfg.MaxSlippage = *req.MaxSlippage
	}
	return cfg, nil
}

func (s *Server) handleRemoveDeployedSlave(c *fiber.Ctx) error {
	name := c.Params("name")
	closePositions := c.QueryBool("close_positions")

	containerName := deploy.ContainerName(name)
	slaveName := name
	if strings.HasPrefix(name, "mt5-") {
		slaveName = strings.Replace(strings.TrimPrefix(name, "mt5-"), "slave", "slave-", 1)
		slaveName = strings.ReplaceAll(slaveName, "--", "-")
	}

	ctx := c.UserContext()

	if _, err := s.engine.SlaveState(slaveName); err == nil {
		if err := s.engine.RemoveSlave(ctx, slaveName, closePositions); err != nil {
			log.Warn().Err(err).Str("slave", slaveName).Msg("engine removal failed")
		}
	}

	if err := s.deployer.RemoveContainer(ctx, containerName); err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "container stopped and removed: " + containerName,
	})
}
