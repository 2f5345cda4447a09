package protocol

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// Handler is invoked by every adapter for each normalized inbound
// message. Returning an error only logs — the adapter does not retry
// or nack, matching the router's fire-and-forget ingestion model.
type Handler func(ctx context.Context, msg Message) error

// MQTTConfig carries the connection settings the adapter needs.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
}

// MQTTAdapter subscribes to the device/organization topic tree and
// normalizes every inbound publish into a Message, reconnecting
// through the autopaho connection manager.
type MQTTAdapter struct {
	cfg     MQTTConfig
	log     *logger.Logger
	handler Handler
	cm      *autopaho.ConnectionManager
}

func NewMQTTAdapter(cfg MQTTConfig, log *logger.Logger, handler Handler) *MQTTAdapter {
	return &MQTTAdapter{cfg: cfg, log: log, handler: handler}
}

var inboundTopicFilters = []string{
	"devices/+/datastream",
	"devices/+/status",
	"devices/+/state",
	"devices/+/commands",
	"organizations/+/broadcast",
	"organizations/+/rulechain/+",
}

// Start connects to the broker and blocks until ctx is cancelled.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt adapter: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.log.Infow("mqtt adapter connected", "broker", a.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			a.log.Warnw("mqtt adapter connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					a.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload, pr.Packet.QoS)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt adapter: connect: %w", err)
	}
	a.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.log.Warnw("mqtt adapter initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

func (a *MQTTAdapter) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, len(inboundTopicFilters))
	for _, f := range inboundTopicFilters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: a.cfg.QoS})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		a.log.Warnw("mqtt adapter subscribe failed", "error", err)
	}
}

func (a *MQTTAdapter) onMessage(ctx context.Context, topic string, payload []byte, qos byte) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("mqtt adapter handler panicked", "topic", topic, "panic", r)
		}
	}()

	msg := ParseSegments(topic)
	msg.Protocol = ProtocolMQTT
	msg.Payload = DecodePayload(payload)
	msg.Timestamp = time.Now()
	msg.QoS = qos

	if err := a.handler(ctx, msg); err != nil {
		a.log.Warnw("mqtt adapter handler error", "topic", topic, "error", err)
	}
}

// Publish sends an outbound message (notifications, state echoes,
// execution summaries) to the broker.
func (a *MQTTAdapter) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if a.cm == nil {
		return fmt.Errorf("mqtt adapter: not connected")
	}
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     a.cfg.QoS,
		Retain:  retain,
	})
	return err
}
