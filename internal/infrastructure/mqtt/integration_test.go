//go:build integration

package mqtt

import (
	"errors"
	"testing"
	"time"
)

// These tests need a broker at 127.0.0.1:1883.
//
//	go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func connectT(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998
	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	sub := connectT(t, "graybot-int-sub")
	pub := connectT(t, "graybot-int-pub")

	got := make(chan string, 1)
	err := sub.Subscribe(Topics{}.AllCommands(), 1, func(topic string, payload []byte) error {
		dev, reg, ok := Topics{}.ParseCommand(topic)
		if ok {
			got <- dev + "/" + reg + " " + string(payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(Topics{}.AllCommands()) || sub.SubscriptionCount() != 1 {
		t.Fatal("subscription not tracked")
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(Topics{}.Command("d01", "led"), map[string]float64{"value": 1}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	select {
	case msg := <-got:
		if msg != `d01/led {"value":1}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command not received")
	}

	if err := sub.Unsubscribe(Topics{}.AllCommands()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after unsubscribe", sub.SubscriptionCount())
	}
}

func TestIntegration_RetainedState(t *testing.T) {
	pub := connectT(t, "graybot-int-retain-pub")
	topic := Topics{}.State("int-test")
	if err := pub.PublishRetained(topic, []byte(`{"present_position":512}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	sub := connectT(t, "graybot-int-retain-sub")
	got := make(chan []byte, 1)
	if err := sub.Subscribe(topic, 1, func(_ string, p []byte) error { got <- p; return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	select {
	case p := <-got:
		if string(p) != `{"present_position":512}` {
			t.Errorf("retained payload = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retained state not delivered")
	}

	// clear the retained message
	_ = pub.Publish(topic, nil, 1, true)
}

func TestIntegration_HealthCheck(t *testing.T) {
	c := connectT(t, "graybot-int-health")
	if err := c.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	c.Close()
	if err := c.HealthCheck(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}
