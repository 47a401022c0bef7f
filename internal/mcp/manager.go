package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/tools"
)

// Config holds the MCP section of the application configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// Manager owns the clients for all configured servers and keeps their tools
// registered. A server that drops off keeps its cached tools registered;
// calls through them reconnect lazily.
type Manager struct {
	config   *Config
	registry *tools.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a manager wired to the given registry.
func NewManager(cfg *Config, registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   cfg,
		registry: registry,
		logger:   logger.With("component", "mcp"),
		clients:  make(map[string]*Client),
	}
}

// Start connects every auto-start server. Individual failures are logged,
// not fatal; their tools simply stay unregistered until a later Connect.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("mcp disabled")
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, serverCfg := range m.config.Servers {
		if err := serverCfg.Validate(); err != nil {
			m.logger.Error("invalid server config", "server", serverCfg.ID, "error", err)
			continue
		}
		if !serverCfg.AutoStart {
			continue
		}
		serverID := serverCfg.ID
		g.Go(func() error {
			if err := m.Connect(gctx, serverID); err != nil {
				m.logger.Error("server connect failed", "server", serverID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop closes all clients and unregisters their tools.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("client close failed", "server", id, "error", err)
		}
		if m.registry != nil {
			m.registry.ReplaceServerTools(id, nil)
		}
		delete(m.clients, id)
	}
	return nil
}

// Connect connects one server by id and registers its tools.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not configured", serverID)
	}

	m.mu.RLock()
	client, exists := m.clients[serverID]
	m.mu.RUnlock()
	if exists && client.Connected() {
		return nil
	}
	if client == nil {
		client = NewClient(serverCfg, m.logger)
		m.mu.Lock()
		m.clients[serverID] = client
		m.mu.Unlock()
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	m.syncTools(serverID, client)
	go m.watchNotifications(client)
	return nil
}

// Disconnect closes one server's client and removes its tools.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	if m.registry != nil {
		m.registry.ReplaceServerTools(serverID, nil)
	}
	delete(m.clients, serverID)
	m.logger.Info("disconnected", "server", serverID)
	return nil
}

// Client returns the client for a server, if one exists.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

func (m *Manager) syncTools(serverID string, client *Client) {
	if m.registry == nil {
		return
	}
	bridged := BridgeTools(client)
	m.registry.ReplaceServerTools(serverID, bridged)
	m.logger.Info("registered server tools", "server", serverID, "count", len(bridged))
}

// watchNotifications re-syncs the registry when the server announces a
// changed tool list.
func (m *Manager) watchNotifications(client *Client) {
	for notif := range client.Notifications() {
		if notif.Method != "notifications/tools/list_changed" {
			continue
		}
		ctx := context.Background()
		if err := client.RefreshTools(ctx); err != nil {
			m.logger.Warn("tool refresh after list_changed failed",
				"server", client.Config().ID, "error", err)
			continue
		}
		m.syncTools(client.Config().ID, client)
	}
}

// ServerStatus describes one configured server for the status endpoint.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Transport string     `json:"transport"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status reports every configured server, connected or not.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	if m.config == nil {
		return statuses
	}
	for _, cfg := range m.config.Servers {
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name, Transport: string(cfg.Transport)}
		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}
