package mqtt

import (
	"testing"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
)

func newClientForTest() *Client {
	return NewClient(config.MQTTConfig{
		BrokerURL: "tcp://127.0.0.1:1",
		Prefix:    "smartfarm",
		ClientID:  "test",
	}, logging.NewLogger())
}

func TestThatPublishingFailsWhenNotConnected(t *testing.T) {
	c := newClientForTest()

	if err := c.Publish("smartfarm/device/1/config", []byte("{}")); err == nil {
		t.Error("publish without a connection should fail")
	}

	if err := c.PublishAsync("smartfarm/location/A1/data", []byte("{}")); err == nil {
		t.Error("handing off a message without a connection should fail")
	}

	if c.IsConnected() {
		t.Error("client should not report a connection before Connect")
	}
}

func TestThatSubscriptionsAreRememberedBeforeConnect(t *testing.T) {
	c := newClientForTest()

	err := c.Subscribe("smartfarm/device/+/data", func(topic string, payload []byte) {})
	if err != nil {
		t.Fatalf("subscribing before connect should be deferred, got %s", err.Error())
	}

	if len(c.subscriptions) != 1 {
		t.Errorf("expected one remembered subscription, got %d", len(c.subscriptions))
	}
}
