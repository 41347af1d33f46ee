package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/aria/internal/config"
	"github.com/nugget/aria/internal/events"
)

const (
	// stateInterval is how often tokens_today is republished even
	// without new usage, so midnight resets reach the broker.
	stateInterval = time.Minute

	commandLimit    = 10
	commandInterval = 10 * time.Second

	eventBuffer = 256
)

// Bridge connects the event bus to an MQTT broker.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	usage    *DailyUsage
	canceler Canceler
	limiter  *commandRateLimiter
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager

	connected atomic.Bool
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// connect and begin forwarding. canceler may be nil, in which case
// commands are logged and ignored.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, canceler Canceler, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Bridge{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		usage:    NewDailyUsage(nil),
		canceler: canceler,
		limiter:  newCommandRateLimiter(commandLimit, commandInterval, logger),
		logger:   logger,
	}
}

// Usage returns the bridge's daily usage ledger.
func (b *Bridge) Usage() *DailyUsage {
	return b.usage
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. A broker that is unreachable at startup is not an error:
// autopaho keeps retrying in the background.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.connected.Store(true)
			b.publishAvailability(ctx, cm, "online")
			b.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.connected.Store(false)
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnClientError: func(err error) {
				b.connected.Store(false)
				b.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.connected.Store(false)
				b.logger.Warn("mqtt broker disconnected", "reason_code", d.ReasonCode)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)
	b.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	b.connected.Store(false)
	return b.cm.Disconnect(ctx)
}

// Check reports whether the broker connection is up. It satisfies
// connwatch.ProbeFunc.
func (b *Bridge) Check(context.Context) error {
	if !b.connected.Load() {
		return errors.New("not connected to broker")
	}
	return nil
}

func (b *Bridge) availabilityTopic() string {
	return b.cfg.TopicPrefix + "/availability"
}

func (b *Bridge) eventTopic(kind string) string {
	return b.cfg.TopicPrefix + "/events/" + kind
}

func (b *Bridge) stateTopic(entity string) string {
	return b.cfg.TopicPrefix + "/" + entity + "/state"
}

func (b *Bridge) commandTopic() string {
	return b.cfg.TopicPrefix + "/command"
}

func (b *Bridge) runLoop(ctx context.Context) {
	ch := b.bus.Subscribe(eventBuffer)
	defer b.bus.Unsubscribe(ch)

	ticker := time.NewTicker(stateInterval)
	defer ticker.Stop()

	b.publishUsage(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.forward(ctx, e)
		case <-ticker.C:
			b.publishUsage(ctx)
		}
	}
}

// forward republishes e and folds usage events into the daily totals.
func (b *Bridge) forward(ctx context.Context, e events.Event) {
	if e.Kind == events.KindUsage {
		b.observeUsage(e)
		defer b.publishUsage(ctx)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	b.publish(ctx, b.eventTopic(e.Kind), payload, false)
}

func (b *Bridge) observeUsage(e events.Event) {
	model, _ := e.Data["model"].(string)
	cost, _ := e.Data["cost_usd"].(float64)
	b.usage.Observe(UsageCall{
		Model:        model,
		InputTokens:  intField(e.Data, "input_tokens"),
		OutputTokens: intField(e.Data, "output_tokens"),
		Images:       intField(e.Data, "images"),
		CostUSD:      cost,
	})
}

func (b *Bridge) publishUsage(ctx context.Context) {
	payload, err := json.Marshal(b.usage.Snapshot())
	if err != nil {
		return
	}
	b.publish(ctx, b.stateTopic("tokens_today"), payload, true)
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, retain bool) {
	if b.cm == nil {
		return
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		b.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *Bridge) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := b.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		b.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("mqtt subscribed", "topic", topic)
}

// handleCommand applies one inbound command. It reports whether a turn
// was cancelled.
func (b *Bridge) handleCommand(topic string, payload []byte) bool {
	if topic != b.commandTopic() {
		return false
	}
	if !b.limiter.allow() {
		return false
	}

	action := parseCommand(payload)
	switch action {
	case CommandCancel:
		if b.canceler == nil {
			b.logger.Debug("mqtt cancel ignored, no canceler")
			return false
		}
		cancelled := b.canceler.Cancel()
		b.logger.Info("mqtt cancel command", "cancelled", cancelled)
		return cancelled
	default:
		b.logger.Debug("mqtt unknown command", "topic", topic, "payload_size", len(payload))
		return false
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
