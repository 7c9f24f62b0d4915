package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/uuid"

	"helmsman/pkg/logging"
)

// IPC timeouts. Start is slow because the service may need to spawn and
// settle the engine; heartbeats are cheap and never retried.
const (
	startAckTimeout  = 30 * time.Second
	stopAckTimeout   = 10 * time.Second
	heartbeatTimeout = 2 * time.Second
)

// Message types on the service's IPC socket.
const (
	msgStartEngine = "start-engine"
	msgStopEngine  = "stop-engine"
	msgHeartbeat   = "heartbeat"
)

type ipcRequest struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ipcAck struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type startEnginePayload struct {
	BinaryPath string `json:"binaryPath"`
	ConfigPath string `json:"configPath,omitempty"`
	DataDir    string `json:"dataDir"`
	APIAddress string `json:"apiAddress"`
	APISecret  string `json:"apiSecret,omitempty"`
}

// Service drives the engine through the already-installed privileged
// background service. The service owns the engine process; this transport
// only exchanges newline-delimited JSON requests with it over a unix
// socket, one connection per request.
type Service struct {
	socketPath string
	unitName   string

	// fallback is tried when the service does not acknowledge a stop in
	// time. May be nil.
	fallback Transport
}

// NewService constructs a service transport for the IPC socket at
// socketPath. unitName is the systemd unit consulted by Installed.
// fallback, when non-nil, is used to stop the engine if the service stops
// answering.
func NewService(socketPath, unitName string, fallback Transport) *Service {
	return &Service{
		socketPath: socketPath,
		unitName:   unitName,
		fallback:   fallback,
	}
}

// Start asks the service to launch the engine and waits for the
// acknowledgement.
func (s *Service) Start(ctx context.Context, spec StartSpec) error {
	payload, err := json.Marshal(startEnginePayload{
		BinaryPath: spec.BinaryPath,
		ConfigPath: spec.ConfigPath,
		DataDir:    spec.DataDir,
		APIAddress: spec.APIAddress,
		APISecret:  spec.APISecret,
	})
	if err != nil {
		return fmt.Errorf("failed to encode start request: %w", err)
	}

	if err := s.roundTrip(ctx, msgStartEngine, payload, startAckTimeout); err != nil {
		return fmt.Errorf("service did not start engine: %w", err)
	}
	logging.Info("Service", "Service acknowledged engine start")
	return nil
}

// Stop asks the service to stop the engine. If the service does not
// acknowledge in time the fallback transport, when present, is used to take
// the engine down directly.
func (s *Service) Stop(ctx context.Context, spec StopSpec) error {
	err := s.roundTrip(ctx, msgStopEngine, nil, stopAckTimeout)
	if err == nil {
		logging.Info("Service", "Service acknowledged engine stop")
		return nil
	}

	if s.fallback != nil {
		logging.Warn("Service", "Service stop failed (%v), falling back to direct stop", err)
		return s.fallback.Stop(ctx, spec)
	}
	return fmt.Errorf("service did not stop engine: %w", err)
}

// Alive sends a single heartbeat to the service. A missed heartbeat means
// only that the service did not answer in time, never that the engine is
// known dead.
func (s *Service) Alive(ctx context.Context) bool {
	return s.Heartbeat(ctx) == nil
}

// Heartbeat performs one heartbeat exchange with the service. It is never
// retried; callers decide what a miss means.
func (s *Service) Heartbeat(ctx context.Context) error {
	return s.roundTrip(ctx, msgHeartbeat, nil, heartbeatTimeout)
}

// Installed reports whether the privileged service is present on this host.
// It prefers the systemd unit state and falls back to probing the IPC
// socket when systemd cannot be consulted.
func (s *Service) Installed(ctx context.Context) bool {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		logging.Debug("Service", "systemd unavailable (%v), probing IPC socket instead", err)
		return s.Heartbeat(ctx) == nil
	}
	defer conn.Close()

	statuses, err := conn.ListUnitsByNamesContext(ctx, []string{s.unitName})
	if err != nil {
		logging.Debug("Service", "Unit query for %s failed (%v), probing IPC socket instead", s.unitName, err)
		return s.Heartbeat(ctx) == nil
	}
	for _, st := range statuses {
		if st.Name == s.unitName {
			active := st.ActiveState == "active"
			logging.Debug("Service", "Unit %s is %s", s.unitName, st.ActiveState)
			return active
		}
	}
	return false
}

func (s *Service) roundTrip(ctx context.Context, msgType string, payload json.RawMessage, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to reach service socket %s: %w", s.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := ipcRequest{
		ID:      uuid.NewString(),
		Type:    msgType,
		Payload: payload,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", msgType, err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send %s request: %w", msgType, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("no acknowledgement for %s request: %w", msgType, err)
	}

	var resp ipcAck
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("malformed acknowledgement for %s request: %w", msgType, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("acknowledgement id mismatch for %s request: got %s, want %s", msgType, resp.ID, req.ID)
	}
	if !resp.OK {
		return fmt.Errorf("service rejected %s request: %s", msgType, resp.Error)
	}
	return nil
}
