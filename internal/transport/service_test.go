package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startIPCServer runs a one-request-per-connection JSON-lines server on a
// unix socket and returns the socket path.
func startIPCServer(t *testing.T, handle func(req ipcRequest) ipcAck) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "svc.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req ipcRequest
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp, _ := json.Marshal(handle(req))
				conn.Write(append(resp, '\n'))
			}(conn)
		}
	}()

	return sock
}

func TestServiceStart(t *testing.T) {
	var mu sync.Mutex
	var gotReq ipcRequest
	sock := startIPCServer(t, func(req ipcRequest) ipcAck {
		mu.Lock()
		gotReq = req
		mu.Unlock()
		return ipcAck{ID: req.ID, OK: true}
	})

	svc := NewService(sock, "engine.service", nil)
	err := svc.Start(context.Background(), StartSpec{
		BinaryPath: "/usr/bin/engine",
		ConfigPath: "/etc/engine/config.yaml",
		DataDir:    "/var/lib/engine",
		APIAddress: "127.0.0.1:9090",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, msgStartEngine, gotReq.Type)
	assert.NotEmpty(t, gotReq.ID)

	var payload startEnginePayload
	require.NoError(t, json.Unmarshal(gotReq.Payload, &payload))
	assert.Equal(t, "/usr/bin/engine", payload.BinaryPath)
	assert.Equal(t, "127.0.0.1:9090", payload.APIAddress)
}

func TestServiceStartRejected(t *testing.T) {
	sock := startIPCServer(t, func(req ipcRequest) ipcAck {
		return ipcAck{ID: req.ID, OK: false, Error: "binary not found"}
	})

	svc := NewService(sock, "engine.service", nil)
	err := svc.Start(context.Background(), StartSpec{BinaryPath: "/nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
}

func TestServiceStopFallsBack(t *testing.T) {
	// No server listening at all, every request fails to dial.
	sock := filepath.Join(t.TempDir(), "absent.sock")

	fallback := &recordingTransport{}
	svc := NewService(sock, "engine.service", fallback)

	spec := StopSpec{ListenPorts: []int{7890}}
	require.NoError(t, svc.Stop(context.Background(), spec))
	assert.Equal(t, 1, fallback.stops)
	assert.Equal(t, spec.ListenPorts, fallback.lastStop.ListenPorts)
}

func TestServiceStopNoFallback(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "absent.sock")
	svc := NewService(sock, "engine.service", nil)
	assert.Error(t, svc.Stop(context.Background(), StopSpec{}))
}

func TestServiceAckIDMismatch(t *testing.T) {
	sock := startIPCServer(t, func(req ipcRequest) ipcAck {
		return ipcAck{ID: "wrong-id", OK: true}
	})

	svc := NewService(sock, "engine.service", nil)
	err := svc.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id mismatch")
}

func TestServiceHeartbeat(t *testing.T) {
	sock := startIPCServer(t, func(req ipcRequest) ipcAck {
		assert.Equal(t, msgHeartbeat, req.Type)
		return ipcAck{ID: req.ID, OK: true}
	})

	svc := NewService(sock, "engine.service", nil)
	assert.NoError(t, svc.Heartbeat(context.Background()))
	assert.True(t, svc.Alive(context.Background()))
}

func TestServiceHeartbeatMiss(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "absent.sock")
	svc := NewService(sock, "engine.service", nil)
	assert.Error(t, svc.Heartbeat(context.Background()))
	assert.False(t, svc.Alive(context.Background()))
}

// recordingTransport is a Transport that only records calls.
type recordingTransport struct {
	mu       sync.Mutex
	starts   int
	stops    int
	lastStop StopSpec
	startErr error
	stopErr  error
	alive    bool
}

func (r *recordingTransport) Start(ctx context.Context, spec StartSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return r.startErr
}

func (r *recordingTransport) Stop(ctx context.Context, spec StopSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.lastStop = spec
	return r.stopErr
}

func (r *recordingTransport) Alive(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}
