package aggregator

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Sink is the outbound transport the pipeline publishes to. Each worker
// obtains its own session; sessions are not safe for concurrent use.
type Sink interface {
	Connect() error
	NewSession() (PublishSession, error)
	Shutdown() error
}

// PublishSession publishes keyed text payloads to a named topic. An error
// return means the payload was not handed to the transport; the pipeline
// keeps the record and retries until Publish succeeds.
type PublishSession interface {
	Publish(topic string, key string, text string) error
}

// Publisher emits encoded records to the outbound AMQP topics
type Publisher struct {
	config     AMQPConfig
	connection *amqp.Connection
	logger     *zap.SugaredLogger
}

// Connect with the configured AMQP broker
func (p *Publisher) Connect() error {
	var err error

	if p.config.TLS {
		p.connection, err = amqp.DialTLS(p.config.DSN, nil)
	} else {
		p.connection, err = amqp.Dial(p.config.DSN)
	}
	if err != nil {
		return fmt.Errorf("Publisher: %v", err)
	}

	p.logger.Info("Publisher: connection established")

	return nil
}

// NewSession opens a dedicated Channel for one pipeline worker
func (p *Publisher) NewSession() (PublishSession, error) {
	if p.connection == nil {
		return nil, fmt.Errorf("Publisher: not connected")
	}

	channel, err := p.connection.Channel()
	if err != nil {
		p.logger.Errorf("Publisher: %s", err)

		return nil, fmt.Errorf("Publisher: failed to get Channel")
	}

	return &publisherSession{
		channel:  channel,
		exchange: p.config.Exchange,
		logger:   p.logger,
	}, nil
}

// Shutdown the Publisher
func (p *Publisher) Shutdown() error {
	p.logger.Info("Publisher: shutting down")

	if p.connection == nil {
		p.logger.Info("Publisher: shutdown OK")

		return nil
	}

	if err := p.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}

	p.logger.Info("Publisher: shutdown OK")

	return nil
}

// NewPublisher creates a new Publisher
func NewPublisher(config AMQPConfig, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		config: config,
		logger: logger,
	}
}

type publisherSession struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.SugaredLogger
}

// Publish sends text to the given topic, keyed for downstream partition
// assignment. Transient broker errors are retried with backoff before an
// error is returned; the pipeline then keeps retrying the publish, so a
// broker outage backpressures upstream instead of dropping data.
func (s *publisherSession) Publish(topic string, key string, text string) error {
	err := retry.Do(
		func() error {
			return s.channel.Publish(
				s.exchange, // exchange
				topic,      // key
				false,      // mandatory
				false,      // immediate
				amqp.Publishing{
					ContentType: "text/csv",
					Timestamp:   time.Now(),
					Headers:     amqp.Table{"x-partition-key": key},
					Body:        []byte(text),
				},
			)
		},
	)
	if err != nil {
		s.logger.Errorf("Publisher: %s", err)

		return fmt.Errorf("Publisher: failed to publish to %q", topic)
	}

	return nil
}
