package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250
)

var (
	errPublishTimeout     = errors.New("failed to publish due to timeout reached")
	errSubscribeTimeout   = errors.New("failed to subscribe due to timeout reached")
	errUnsubscribeTimeout = errors.New("failed to unsubscribe due to timeout reached")
	errEmptyTopic         = errors.New("empty topic")
	errEmptyID            = errors.New("empty ID")
)

// Handler receives the raw payload of a message. Decoding is left to the
// caller so payloads can be encrypted end to end.
type Handler func(topic string, payload []byte) error

type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Disconnect(ctx context.Context) error
}

type Config struct {
	URL      string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
	CAPath   string
	CertPath string
	KeyPath  string
	// WillTopic and WillPayload are published by the broker if the client
	// drops without disconnecting.
	WillTopic   string
	WillPayload []byte
}

type pubsub struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

func NewPubSub(cfg Config, logger *slog.Logger) (PubSub, error) {
	if cfg.ClientID == "" {
		return nil, errEmptyID
	}

	ps := &pubsub{
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger,
		subs:    make(map[string]Handler),
	}
	client, err := newClient(cfg, ps.resubscribe, logger)
	if err != nil {
		return nil, err
	}
	ps.client = client

	return ps, nil
}

func (ps *pubsub) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errEmptyTopic
	}

	return ps.wait(ctx, ps.client.Publish(topic, ps.qos, false, payload), errPublishTimeout)
}

// Subscribe remembers handler so the subscription is restored after the
// client reconnects with a clean session.
func (ps *pubsub) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return errEmptyTopic
	}

	if err := ps.wait(ctx, ps.client.Subscribe(topic, ps.qos, ps.mqttHandler(handler)), errSubscribeTimeout); err != nil {
		return err
	}

	ps.mu.Lock()
	ps.subs[topic] = handler
	ps.mu.Unlock()

	return nil
}

func (ps *pubsub) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	ps.mu.Lock()
	delete(ps.subs, topic)
	ps.mu.Unlock()

	return ps.wait(ctx, ps.client.Unsubscribe(topic), errUnsubscribeTimeout)
}

func (ps *pubsub) Disconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		ps.client.Disconnect(disconnTimeout)

		return nil
	}
}

// wait blocks until token completes, ctx ends or the configured timeout
// elapses, whichever comes first.
func (ps *pubsub) wait(ctx context.Context, token mqtt.Token, errTimeout error) error {
	var timeout <-chan time.Time
	if ps.timeout > 0 {
		timer := time.NewTimer(ps.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return errTimeout
	}
}

// resubscribe is a no-op on the first connection, before any Subscribe.
func (ps *pubsub) resubscribe(client mqtt.Client) {
	ps.mu.Lock()
	filters := make(map[string]byte, len(ps.subs))
	handlers := make(map[string]Handler, len(ps.subs))
	for topic, h := range ps.subs {
		filters[topic] = ps.qos
		handlers[topic] = h
	}
	ps.mu.Unlock()

	if len(filters) == 0 {
		return
	}

	// SubscribeMultiple shares one callback, so route by filter here.
	token := client.SubscribeMultiple(filters, func(c mqtt.Client, m mqtt.Message) {
		for filter, h := range handlers {
			if TopicMatches(filter, m.Topic()) {
				ps.mqttHandler(h)(c, m)
			}
		}
	})
	if token.Wait(); token.Error() != nil {
		ps.logger.Warn("Failed to restore MQTT subscriptions",
			slog.Int("subscriptions", len(filters)),
			slog.Any("error", token.Error()))
	}
}

func newClient(cfg Config, onReconnect func(mqtt.Client), logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	if err := applyTLSConfig(opts, cfg.CAPath, cfg.CertPath, cfg.KeyPath); err != nil {
		return nil, err
	}

	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, cfg.QoS, false)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connection established", slog.String("client_id", cfg.ClientID))
		onReconnect(c)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		args := []any{}
		if err != nil {
			args = append(args, slog.Any("error", err))
		}

		logger.Info("MQTT connection lost", args...)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, options *mqtt.ClientOptions) {
		args := []any{}
		if options != nil {
			args = append(args,
				slog.String("client_id", options.ClientID),
				slog.String("username", options.Username),
			)
		}

		logger.Info("MQTT reconnecting", args...)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}

	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}

	return client, nil
}

func applyTLSConfig(opts *mqtt.ClientOptions, caPath, certPath, keyPath string) error {
	if caPath == "" {
		return nil
	}

	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	opts.SetTLSConfig(tlsConfig)

	return nil
}

func (ps *pubsub) mqttHandler(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		if err := h(m.Topic(), m.Payload()); err != nil {
			ps.logger.Warn("Failed to handle MQTT message",
				slog.String("topic", m.Topic()),
				slog.Any("error", err))
		}
	}
}
