package mqttpub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

const (
	tokenTimeout = 5 * time.Second
	// actions wait for the meter acknowledgement; allow for a queued poll
	commandTimeout = 30 * time.Second
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Controller is the part of meter.Meter that MQTT commands drive.
type Controller interface {
	TripRelay(ctx context.Context) error
	CloseRelay(ctx context.Context) error
	SetDate(ctx context.Context) error
	SetTime(ctx context.Context) error
	BroadcastTimeSync(ctx context.Context) error
}

// Command is a parsed command topic.
type Command struct {
	Kind    string // switch or button
	ID      string
	Payload string
}

// Publisher is a meter.Sink that publishes to MQTT.
type Publisher struct {
	client  mqtt.Client
	topics  Topics
	ctrl    Controller
	logger  *zap.Logger
	command *regexp.Regexp
}

// New creates a publisher with its own paho client. Call Connect to start it.
func New(cfg config.MQTTConfig, ctrl Controller, logger *zap.Logger) *Publisher {
	opts := OptsFromConfig(cfg)
	p := newPublisher(nil, cfg.BaseTopic, ctrl, logger)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	p.client = mqtt.NewClient(opts)
	return p
}

func newPublisher(client mqtt.Client, base string, ctrl Controller, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		topics:  Topics{Base: base},
		ctrl:    ctrl,
		logger:  logger,
		command: commandExtractor(base),
	}
}

func wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("%s: %w", what, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (p *Publisher) Connect() error {
	return wait(p.client.Connect(), "mqtt connect")
}

// Disconnect marks the bridge offline and closes the connection.
func (p *Publisher) Disconnect() {
	if err := wait(p.client.Publish(p.topics.BridgeState(), 0, true, PayloadOffline), "mqtt publish"); err != nil {
		p.logger.Warn("failed to publish offline state", zap.Error(err))
	}
	p.client.Disconnect(250)
}

// onConnect runs on every (re)connect: paho does not restore subscriptions
// of a clean session.
func (p *Publisher) onConnect(client mqtt.Client) {
	p.logger.Info("mqtt connected")
	p.publish(p.topics.BridgeState(), PayloadOnline, true)

	token := client.SubscribeMultiple(p.topics.commandFilters(), p.handleMessage)
	go func() {
		if err := wait(token, "mqtt subscribe"); err != nil {
			p.logger.Error("command subscription failed", zap.Error(err))
		}
	}()
}

// publish does not block the caller; failures are only logged.
func (p *Publisher) publish(topic, payload string, retain bool) {
	token := p.client.Publish(topic, 0, retain, payload)
	go func() {
		if err := wait(token, "mqtt publish"); err != nil {
			p.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// Publish implements meter.Sink.
func (p *Publisher) Publish(events []types.MeterEvent) {
	for _, ev := range events {
		switch ev.Quantity {
		case types.QuantityReversePowerAlert:
			// edge event: the time of the latest alert, not retained
			p.publish(p.topics.SensorState(string(ev.Quantity)), ev.Timestamp, false)
		case types.QuantityActivePower:
			p.publish(p.topics.SensorState(string(ev.Quantity)), formatValue(ev), true)
			state := PayloadOff
			if ev.Value < 0 {
				state = PayloadOn
			}
			p.publish(p.topics.BinarySensorState(ReversePowerID), state, true)
		default:
			p.publish(p.topics.SensorState(string(ev.Quantity)), formatValue(ev), true)
		}
	}
}

func formatValue(ev types.MeterEvent) string {
	if ev.Text != "" {
		return ev.Text
	}
	return strconv.FormatFloat(ev.Value, 'f', -1, 64)
}

func (p *Publisher) ParseCommand(msg mqtt.Message) (*Command, error) {
	matches := p.command.FindStringSubmatch(msg.Topic())
	if matches == nil {
		return nil, fmt.Errorf("not a command topic: %s", msg.Topic())
	}
	return &Command{
		Kind:    matches[1],
		ID:      matches[2],
		Payload: strings.TrimSpace(string(msg.Payload())),
	}, nil
}

func (p *Publisher) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := p.ParseCommand(msg)
	if err != nil {
		p.logger.Debug("ignoring message", zap.Error(err))
		return
	}
	// meter actions block until acknowledged; keep paho's router free
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := p.execute(ctx, cmd); err != nil {
			p.logger.Error("mqtt command failed",
				zap.String("id", cmd.ID), zap.String("payload", cmd.Payload), zap.Error(err))
		}
	}()
}

func (p *Publisher) execute(ctx context.Context, cmd *Command) error {
	switch {
	case cmd.Kind == "switch" && cmd.ID == RelaySwitchID:
		var err error
		switch strings.ToUpper(cmd.Payload) {
		case PayloadOn:
			err = p.ctrl.CloseRelay(ctx)
		case PayloadOff:
			err = p.ctrl.TripRelay(ctx)
		default:
			return fmt.Errorf("invalid relay payload %q", cmd.Payload)
		}
		if err != nil {
			return err
		}
		p.publish(p.topics.SwitchState(RelaySwitchID), strings.ToUpper(cmd.Payload), true)
		return nil

	case cmd.Kind == "button" && cmd.ID == TimeSyncButtonID:
		return p.ctrl.BroadcastTimeSync(ctx)

	case cmd.Kind == "button" && cmd.ID == SetClockButtonID:
		if err := p.ctrl.SetDate(ctx); err != nil {
			return err
		}
		return p.ctrl.SetTime(ctx)
	}
	return fmt.Errorf("unknown %s %q", cmd.Kind, cmd.ID)
}
