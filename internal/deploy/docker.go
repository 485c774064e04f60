// Package deploy provisions MT5 slave containers by shelling out to the
// docker CLI on the host.
package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultImage       = "gmag11/metatrader5_vnc"
	defaultNetwork     = "metatrader5-docker_copytrader-net"
	bridgePort         = 8001
	vncBasePort        = 3100
	containerPrefix    = "mt5-slave"
	readyCheckInterval = 10 * time.Second
)

// Manager creates and removes slave containers.
type Manager struct {
	image   string
	network string
}

// NewManager creates a deploy manager with the stock image and network.
func NewManager() *Manager {
	return &Manager{
		image:   defaultImage,
		network: defaultNetwork,
	}
}

// Credentials are the MT5 login details baked into a new container.
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// ContainerName derives the container name for a slave.
func ContainerName(slaveName string) string {
	if strings.HasPrefix(slaveName, "mt5-") {
		return slaveName
	}
	return fmt.Sprintf("%s-%s", containerPrefix, strings.TrimPrefix(slaveName, "slave-"))
}

// ContainerExists reports whether a container with the name is present.
func (m *Manager) ContainerExists(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "name="+name, "--format", "{{.Names}}").Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == name {
			return true
		}
	}
	return false
}

// NextVNCPort picks the next free VNC port by scanning existing slave
// containers.
func (m *Manager) NextVNCPort(ctx context.Context) int {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a", "--format", "{{.Names}}").Output()
	if err != nil {
		return vncBasePort + 2
	}

	maxNum := 0
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if !strings.HasPrefix(name, containerPrefix) {
			continue
		}
		suffix := strings.TrimLeft(strings.TrimPrefix(name, containerPrefix), "-")
		if num, err := strconv.Atoi(suffix); err == nil && num > maxNum {
			maxNum = num
		}
	}
	return vncBasePort + maxNum + 1
}

// networkName resolves the docker network the master container sits on,
// falling back to the compose default.
func (m *Manager) networkName(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.NetworkID}}{{end}}", "mt5-master").Output()
	if err != nil {
		return m.network
	}
	networkID := strings.TrimSpace(string(out))
	if networkID == "" {
		return m.network
	}

	out, err = exec.CommandContext(ctx, "docker", "network", "inspect", "-f", "{{.Name}}", networkID).Output()
	if err != nil {
		return m.network
	}
	if name := strings.TrimSpace(string(out)); name != "" {
		return name
	}
	return m.network
}

// CreateSlaveContainer creates and starts a new MT5 container joined to the
// copier network. Returns the container name.
func (m *Manager) CreateSlaveContainer(ctx context.Context, slaveName string, creds Credentials) (string, error) {
	deployID := uuid.NewString()[:8]
	containerName := ContainerName(slaveName)
	network := m.networkName(ctx)
	vncPort := m.NextVNCPort(ctx)

	log.Info().
		Str("deploy_id", deployID).
		Str("container", containerName).
		Str("network", network).
		Int("vnc_port", vncPort).
		Msg("creating slave container")

	volumeName := strings.ReplaceAll(containerName, "-", "_") + "_config"
	if out, err := exec.CommandContext(ctx, "docker", "volume", "create", volumeName).CombinedOutput(); err != nil {
		return "", fmt.Errorf("create volume: %s: %w", strings.TrimSpace(string(out)), err)
	}

	args := []string{
		"run", "-d",
		"--name", containerName,
		"--hostname", containerName,
		"--network", network,
		"-v", volumeName + ":/config",
		"-p", fmt.Sprintf("%d:3000", vncPort),
		"-e", "CUSTOM_USER=admin",
		"-e", "PASSWORD=admin",
		"-e", "MT5_LOGIN=" + creds.Login,
		"-e", "MT5_PASSWORD=" + creds.Password,
		"-e", "MT5_SERVER=" + creds.Server,
		"--restart", "unless-stopped",
		m.image,
	}

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return "", fmt.Errorf("create container: %s: %w", strings.TrimSpace(string(out)), err)
	}

	log.Info().Str("deploy_id", deployID).Str("container", containerName).Msg("container created")
	return containerName, nil
}

// WaitForReady blocks until the container runs and its bridge port listens,
// or the timeout elapses.
func (m *Manager) WaitForReady(ctx context.Context, containerName string, timeout time.Duration) bool {
	log.Info().Str("container", containerName).Dur("timeout", timeout).Msg("waiting for container")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyCheckInterval):
		}

		out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", containerName).Output()
		if err != nil || strings.TrimSpace(string(out)) != "true" {
			continue
		}

		out, err = exec.CommandContext(ctx, "docker", "exec", containerName, "ss", "-tuln").Output()
		if err != nil {
			log.Warn().Err(err).Str("container", containerName).Msg("container readiness probe failed")
			continue
		}
		if strings.Contains(string(out), fmt.Sprintf(":%d", bridgePort)) {
			log.Info().Str("container", containerName).Msg("container ready")
			return true
		}
	}

	log.Warn().Str("container", containerName).Msg("container readiness timed out")
	return false
}

// RemoveContainer stops and removes a container.
func (m *Manager) RemoveContainer(ctx context.Context, containerName string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(stopCtx, "docker", "stop", containerName).CombinedOutput(); err != nil {
		log.Warn().Str("container", containerName).Str("output", strings.TrimSpace(string(out))).Msg("container stop failed")
	}

	rmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(rmCtx, "docker", "rm", containerName).CombinedOutput(); err != nil {
		return fmt.Errorf("remove container: %s: %w", strings.TrimSpace(string(out)), err)
	}

	log.Info().Str("container", containerName).Msg("container removed")
	return nil
}

// BridgePort is the in-network port slave bridges listen on.
func BridgePort() int {
	return bridgePort
}
