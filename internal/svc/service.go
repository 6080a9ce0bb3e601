// Package svc runs blobmesh roles under the platform service manager
// (systemd, launchd or the Windows service control manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// Role selects which blobmesh server a service runs.
type Role string

const (
	RoleNode     Role = "node"
	RoleBalancer Role = "balancer"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleNode, RoleBalancer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (want node or balancer)", s)
	}
}

// RunFunc runs a role until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx)
	}()
	return nil
}

// Stop cancels the running role and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// Config describes an installed blobmesh service.
type Config struct {
	Role        Role
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux and macOS only
}

// DefaultConfig returns the service settings for role.
func DefaultConfig(role Role) Config {
	cfg := Config{
		Role:       role,
		Name:       "blobmesh-" + string(role),
		ConfigPath: DefaultConfigPath(role),
	}
	switch role {
	case RoleBalancer:
		cfg.DisplayName = "blobmesh Balancer"
		cfg.Description = "blobmesh load-balancing proxy for storage nodes"
	default:
		cfg.DisplayName = "blobmesh Storage Node"
		cfg.Description = "blobmesh blob storage node"
	}
	return cfg
}

// DefaultConfigPath returns the platform config file location for role.
func DefaultConfigPath(role Role) string {
	dir := "/etc/blobmesh"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "blobmesh")
	}
	return filepath.Join(dir, string(role)+".yaml")
}

// Arguments returns the command line the service manager starts blobmesh with.
func (c Config) Arguments() []string {
	return []string{string(c.Role), "--config", c.ConfigPath, RunFlag}
}

// NewServiceConfig converts cfg into a kardianos service definition for goos.
func NewServiceConfig(cfg Config, goos string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments(),
	}

	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	if prg == nil {
		prg = &Program{}
	}
	return service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
}

// Install registers the service. An existing installation is replaced
// only when force is set.
func Install(cfg Config, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg Config) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends one of the service.ControlAction verbs (start, stop,
// restart) to the service manager.
func Control(cfg Config, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unsupported action %q", action)
	}
	s, err := newService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg Config) (service.Status, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager and blocks until it stops prg.
func Run(prg *Program, cfg Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args contain RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}
