package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker-backed tests expect a Mosquitto broker at 127.0.0.1:1883 and skip otherwise.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "meshgw-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "meshtest",
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		t.Skipf("MQTT broker not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Topic Builder Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{Prefix: "mesh"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"imu channel", topics.NodeChannel("imu", 0x0010), "mesh/imu/0x0010"},
		{"heartrate channel", topics.NodeChannel("heartrate", 0x00ab), "mesh/heartrate/0x00ab"},
		{"node status", topics.NodeStatus(0x1234), "mesh/node/0x1234/status"},
		{"gateway status", topics.GatewayStatus(), "mesh/gateway/status"},
		{"gateway health", topics.GatewayHealth(), "mesh/gateway/health"},
		{"control", topics.Control(), "mesh/control/#"},
		{"control ack", topics.ControlAck(), "mesh/gateway/control_ack"},
		{"all node status", topics.AllNodeStatus(), "mesh/node/+/status"},
		{"all", topics.All(), "mesh/#"},
		{"root", topics.Root(), "mesh"},
		{"default root", Topics{}.Root(), "mesh"},
		{"default prefix", Topics{}.GatewayStatus(), "mesh/gateway/status"},
		{"custom prefix", Topics{Prefix: "site/a"}.NodeChannel("imu", 1), "site/a/imu/0x0001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildStatusPayload(t *testing.T) {
	online := buildStatusPayload("online", "gw", "")
	if !strings.HasPrefix(online, `{"status":"online","client_id":"gw","timestamp":"`) {
		t.Errorf("online payload = %s", online)
	}
	if strings.Contains(online, "reason") {
		t.Errorf("online payload should omit reason: %s", online)
	}

	offline := buildStatusPayload("offline", "gw", "graceful_shutdown")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", offline)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "user"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.Username != "user" {
		t.Errorf("Username = %q, want user", opts.Username)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil, want configured")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() = true for zero client, want false")
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"invalid qos", "mesh/x", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "mesh/x", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"disconnected", "mesh/x", []byte("x"), 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishRetained_Validation(t *testing.T) {
	client := &Client{}
	if err := client.PublishRetained("", []byte("{}")); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("PublishRetained(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := client.PublishRetained("mesh/node/0x0010/status", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRetained() disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 0, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("mesh/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("mesh/#", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("mesh/#", 0, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if err == nil {
		t.Skip("unexpected broker on port 19999")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t)
	topic := client.Topics().NodeChannel("imu", 0x0010)

	var (
		mu       sync.Mutex
		received string
	)
	done := make(chan struct{})
	var once sync.Once

	err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		mu.Lock()
		received = string(payload)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topic) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	if err := client.PublishString(topic, `{"node":"0x0010"}`); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received != `{"node":"0x0010"}` {
		t.Errorf("received = %q", received)
	}

	if err := client.Unsubscribe(topic); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
}
