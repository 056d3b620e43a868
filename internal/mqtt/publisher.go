package mqtt

import (
	"context"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

const (
	publishTimeout  = 5 * time.Second
	connectMaxDelay = time.Minute
)

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

type payload struct {
	Value any       `json:"value"`
	TS    time.Time `json:"ts"`
}

// Publisher mirrors telemetry tags to an MQTT broker, one topic per tag path.
type Publisher struct {
	client paho.Client
	opts   Options
	logger *zap.SugaredLogger
}

func New(opts Options, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "ser"
	}
	if opts.ClientID == "" {
		opts.ClientID = "ser-gateway"
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.OnConnect = func(paho.Client) {
		logger.Infow("mqtt connected", "broker", opts.BrokerURL)
	}
	clientOpts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warnw("mqtt connection lost", "broker", opts.BrokerURL, "err", err)
	}

	return newWithClient(paho.NewClient(clientOpts), opts, logger)
}

func newWithClient(client paho.Client, opts Options, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{client: client, opts: opts, logger: logger}
}

// Connect blocks until the broker accepts the connection or ctx ends, doubling the delay between attempts.
func (p *Publisher) Connect(ctx context.Context) error {
	delay := time.Second
	for {
		token := p.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		p.logger.Warnw("mqtt connect failed", "broker", p.opts.BrokerURL, "retry_in", delay, "err", token.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < connectMaxDelay {
			delay *= 2
		}
	}
}

// Topic maps a tag path to its MQTT topic.
func (p *Publisher) Topic(path string) string {
	return strings.TrimSuffix(p.opts.TopicPrefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Publish implements telemetry.Publisher. Failures are logged and dropped.
func (p *Publisher) Publish(tag telemetry.Tag) {
	if !p.client.IsConnectionOpen() {
		return
	}
	body, err := json.Marshal(payload{Value: tag.Value, TS: tag.UpdatedAt})
	if err != nil {
		p.logger.Warnw("mqtt encode failed", "path", tag.Path, "err", err)
		return
	}
	token := p.client.Publish(p.Topic(tag.Path), p.opts.QoS, p.opts.Retain, body)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Debugw("mqtt publish timed out", "path", tag.Path)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warnw("mqtt publish failed", "path", tag.Path, "err", err)
		}
	}()
}

func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
