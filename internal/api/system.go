package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fieldgate/fieldgate-core/internal/infrastructure/mqtt"
)

// handleSystemStatus returns a snapshot of the whole system: registry
// statistics, poll worker states, publisher counters, and broker state.
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"version": s.version,
		"devices": s.registry.GetStats(),
		"workers": s.manager.StatusAll(),
	}

	if s.publisher != nil {
		status["publisher"] = s.publisher.Status()
	}
	if s.mqtt != nil {
		status["broker_connected"] = s.mqtt.IsConnected()
	}
	if s.hub != nil {
		status["websocket_clients"] = s.hub.ClientCount()
	}
	if s.broadcaster != nil {
		status["event_subscribers"] = s.broadcaster.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, status)
}

// brokerConfigRequest is the request body for PUT /system/broker.
type brokerConfigRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Keepalive int    `json:"keepalive"`
}

// handleGetBrokerConfig returns the stored broker settings.
func (s *Server) handleGetBrokerConfig(w http.ResponseWriter, r *http.Request) {
	if s.brokerStore == nil {
		writeUnavailable(w, "broker configuration store not available")
		return
	}

	settings, err := s.brokerStore.Load(r.Context())
	if err != nil {
		if errors.Is(err, mqtt.ErrNoStoredConfig) {
			writeNotFound(w, "no broker configuration stored")
			return
		}
		writeInternalError(w, "failed to load broker configuration")
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateBrokerConfig stores new broker settings. The stored
// settings override the YAML defaults on the next connection; use
// POST /system/broker/reconnect or restart to apply them.
func (s *Server) handleUpdateBrokerConfig(w http.ResponseWriter, r *http.Request) {
	if s.brokerStore == nil {
		writeUnavailable(w, "broker configuration store not available")
		return
	}

	var req brokerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeBadRequest(w, "host is required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeBadRequest(w, "port must be between 1 and 65535")
		return
	}

	settings := &mqtt.BrokerSettings{
		Host:      req.Host,
		Port:      req.Port,
		ClientID:  req.ClientID,
		Username:  req.Username,
		Password:  req.Password,
		Keepalive: req.Keepalive,
	}
	if err := s.brokerStore.Save(r.Context(), settings); err != nil {
		writeInternalError(w, "failed to save broker configuration")
		return
	}

	s.logger.Info("broker configuration updated", "host", req.Host, "port", req.Port)
	writeJSON(w, http.StatusOK, settings)
}

// handleBrokerReconnect drops the broker connection and reconnects with
// the current settings. Settings saved since startup require a restart
// to take effect; this endpoint recovers a wedged connection.
func (s *Server) handleBrokerReconnect(w http.ResponseWriter, r *http.Request) {
	if s.mqtt == nil {
		writeUnavailable(w, "mqtt client not configured")
		return
	}

	if err := s.mqtt.Close(); err != nil {
		s.logger.Warn("closing broker connection for reconnect", "error", err)
	}
	if err := s.mqtt.Connect(r.Context()); err != nil {
		writeUnavailable(w, "broker reconnect failed: "+err.Error())
		return
	}

	s.logger.Info("broker reconnected via API")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reconnected"})
}
