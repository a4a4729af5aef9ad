package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/quiltworks/outpost/internal/bus"
	"github.com/quiltworks/outpost/internal/engine"
	"github.com/quiltworks/outpost/internal/op"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	config := &Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	}

	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return server
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	cfg := engine.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "outpost.db")
	cfg.Logger = log.New(os.Stderr, "[test-engine] ", log.LstdFlags)

	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

// dial connects a WebSocket client and consumes the welcome frame.
func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t)

	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// Welcome message is a stats frame
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dial(t, ctx, server)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Failed to request health endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Health status field = %q, want %q", health.Status, "ok")
	}
	if health.Clients != 1 {
		t.Errorf("Health clients = %d, want 1", health.Clients)
	}
}

func TestMultipleClients(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	testData := ConnectivityData{Online: true}
	dataJSON, _ := json.Marshal(testData)
	server.Broadcast(Message{
		Type:      MessageTypeConnectivity,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Errorf("Expected message type %s, got %s", MessageTypeConnectivity, msg.Type)
	}

	var received ConnectivityData
	if err := json.Unmarshal(msg.Data, &received); err != nil {
		t.Fatalf("Failed to unmarshal connectivity data: %v", err)
	}
	if !received.Online {
		t.Error("Expected online=true in broadcast data")
	}
}

func TestHandlerForwardsConnectivity(t *testing.T) {
	server := newTestServer(t)
	eng := newTestEngine(t)

	handler := NewHandler(eng, server, &HandlerConfig{
		Logger: log.New(os.Stderr, "[test-handler] ", log.LstdFlags),
	})
	if err := handler.Start(); err != nil {
		t.Fatalf("Failed to start handler: %v", err)
	}
	defer handler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	eng.Events().Publish(bus.ConnectivityChanged{Online: true})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Errorf("Expected message type %s, got %s", MessageTypeConnectivity, msg.Type)
	}

	var data ConnectivityData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal connectivity data: %v", err)
	}
	if !data.Online {
		t.Error("Expected online=true")
	}
}

func TestHandlerForwardsSyncCycle(t *testing.T) {
	server := newTestServer(t)
	eng := newTestEngine(t)

	handler := NewHandler(eng, server, &HandlerConfig{
		Logger: log.New(os.Stderr, "[test-handler] ", log.LstdFlags),
	})
	if err := handler.Start(); err != nil {
		t.Fatalf("Failed to start handler: %v", err)
	}
	defer handler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	eng.Events().Publish(bus.SyncStarted{})
	eng.Events().Publish(bus.SyncCompleted{Success: true, Processed: 4, Failed: 1})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncStart {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncStart, msg.Type)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncComplete, msg.Type)
	}

	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if !data.Success {
		t.Error("Expected success=true")
	}
	if data.Processed != 4 {
		t.Errorf("Expected 4 processed, got %d", data.Processed)
	}
	if data.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", data.Failed)
	}
}

func TestHandlerForwardsOperationFailed(t *testing.T) {
	server := newTestServer(t)
	eng := newTestEngine(t)

	handler := NewHandler(eng, server, &HandlerConfig{
		Logger: log.New(os.Stderr, "[test-handler] ", log.LstdFlags),
	})
	if err := handler.Start(); err != nil {
		t.Fatalf("Failed to start handler: %v", err)
	}
	defer handler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	dropped := op.Operation{
		ID:         op.NewID(),
		EntityType: "tasks",
		Type:       op.TypeDelete,
		Payload:    op.Payload{EntityID: "T42"},
		CreatedAt:  time.Now(),
		RetryCount: 5,
	}
	eng.Events().Publish(bus.OperationFailed{Operation: dropped, Err: "server rejected"})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeOperationFailed {
		t.Errorf("Expected message type %s, got %s", MessageTypeOperationFailed, msg.Type)
	}

	var data OperationFailedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal failure data: %v", err)
	}
	if data.OperationID != dropped.ID {
		t.Errorf("Expected operation ID %s, got %s", dropped.ID, data.OperationID)
	}
	if data.EntityType != "tasks" {
		t.Errorf("Expected entity type tasks, got %s", data.EntityType)
	}
	if data.RetryCount != 5 {
		t.Errorf("Expected retry count 5, got %d", data.RetryCount)
	}
	if data.Error != "server rejected" {
		t.Errorf("Expected error 'server rejected', got %q", data.Error)
	}
}

func TestHandlerStatsBroadcast(t *testing.T) {
	server := newTestServer(t)
	eng := newTestEngine(t)

	handler := NewHandler(eng, server, &HandlerConfig{
		StatsInterval: 50 * time.Millisecond,
		Logger:        log.New(os.Stderr, "[test-handler] ", log.LstdFlags),
	})
	if err := handler.Start(); err != nil {
		t.Fatalf("Failed to start handler: %v", err)
	}
	defer handler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}

	var data StatsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal stats data: %v", err)
	}
	if data.PendingCount != 0 {
		t.Errorf("Expected empty queue, got %d pending", data.PendingCount)
	}
}

func TestHandlerStartTwice(t *testing.T) {
	server := newTestServer(t)
	eng := newTestEngine(t)

	handler := NewHandler(eng, server, nil)
	if err := handler.Start(); err != nil {
		t.Fatalf("Failed to start handler: %v", err)
	}
	defer handler.Stop()

	// Second Start is a no-op
	if err := handler.Start(); err != nil {
		t.Fatalf("Second start should be a no-op, got: %v", err)
	}
}
