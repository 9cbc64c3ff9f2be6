// Package mqtt feeds telemetry events received from an MQTT broker into the
// scene patcher.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/patch"
	"github.com/timzifer/sldsync/telemetry"
)

const subscribeTimeout = 10 * time.Second

// Handler receives every decoded event and reports whether it was accepted.
type Handler func(patch.Event) bool

// Option customizes a Source.
type Option func(*Source)

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Source) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// Source subscribes to a topic and decodes each payload into telemetry
// events. Payloads hold a single event object or an array of events.
type Source struct {
	cfg       config.MQTTConfig
	logger    zerolog.Logger
	handler   Handler
	collector telemetry.Collector

	mu     sync.Mutex
	client mqtt.Client
}

// NewSource validates cfg and prepares a source. The broker is contacted by
// Run.
func NewSource(cfg config.MQTTConfig, logger zerolog.Logger, handler Handler, opts ...Option) (*Source, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if handler == nil {
		return nil, errors.New("mqtt: handler is required")
	}
	s := &Source{
		cfg:       cfg,
		logger:    logger.With().Str("component", "mqtt_source").Str("broker", cfg.Broker).Str("topic", cfg.Topic).Logger(),
		handler:   handler,
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run connects, subscribes on every (re)connect and blocks until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	client, err := buildClient(s.cfg, s.logger, s.onConnect)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.logger.Info().Msg("mqtt telemetry source connected")

	<-ctx.Done()

	if token := client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Debug().Err(token.Error()).Msg("mqtt unsubscribe failed")
	}
	client.Disconnect(250)
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return nil
}

// Connected reports whether the broker connection is up.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

func (s *Source) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.Dispatch(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		s.logger.Error().Msg("mqtt subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Msg("mqtt subscribe failed")
		return
	}
	s.logger.Debug().Msg("mqtt subscribed")
}

// Dispatch decodes payload and hands its events to the handler. It returns
// the number of accepted events.
func (s *Source) Dispatch(topic string, payload []byte) int {
	events, err := patch.DecodeEvents(payload)
	if err != nil {
		s.collector.IncTelemetry("payload", "invalid")
		s.logger.Warn().Err(err).Str("message_topic", topic).Msg("discarding telemetry payload")
		return 0
	}
	accepted := 0
	for _, ev := range events {
		if s.handler(ev) {
			accepted++
		}
	}
	return accepted
}
