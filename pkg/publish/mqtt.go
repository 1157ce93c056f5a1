package publish

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/monitoring"
)

const (
	publishTimeout    = 2 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Client is the part of an MQTT client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// pahoClient adapts a paho client to Client.
type pahoClient struct {
	c mqtt.Client
}

// Dial connects to the broker configured in cfg.
func Dial(cfg config.MQTTConfig) (Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", cfg.ClientID, time.Now().Unix()))

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Logf("MQTT: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("MQTT: connection lost: %v, will attempt to reconnect", err)
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return &pahoClient{c: c}, nil
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.c.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *pahoClient) Close() {
	if p.c.IsConnected() {
		p.c.Disconnect(disconnectQuiesce)
	}
}
