package aggregator

import (
	"fmt"
	"sync"

	"github.com/avast/retry-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPConfig represents the config of the Subscriber and Publisher
type AMQPConfig struct {
	Tag      string `yaml:"tag"`
	Exchange string `yaml:"exchange"`
	DSN      string `yaml:"dsn"`
	TLS      bool   `yaml:"tls"`
}

// Delivery is one inbound payload tagged with its stream of origin. Ack
// must be called exactly once, after the decoded record has been handed
// off downstream; unacked deliveries are redelivered by the broker.
type Delivery struct {
	Kind StreamKind
	Body string
	Ack  func() error
}

// Source is the inbound transport the pipeline consumes from.
type Source interface {
	Subscribe() (<-chan Delivery, error)
	Shutdown() error
}

// Subscriber consumes the telemetry and traffic queues of an AMQP broker
type Subscriber struct {
	config     AMQPConfig
	queues     map[StreamKind]string
	tag        string
	prefetch   int
	connection *amqp.Connection
	channel    *amqp.Channel
	deliveries chan Delivery
	logger     *zap.SugaredLogger
}

// Connect with the configured AMQP broker
func (s *Subscriber) dial() error {
	var err error

	if s.config.TLS {
		s.connection, err = amqp.DialTLS(s.config.DSN, nil)
	} else {
		s.connection, err = amqp.Dial(s.config.DSN)
	}
	if err != nil {
		return fmt.Errorf("Subscriber: %v", err)
	}

	s.logger.Info("Subscriber: connection established")

	return nil
}

// Get a Channel for the deliveries
func (s *Subscriber) getChannel() error {
	var err error

	s.channel, err = s.connection.Channel()
	if err != nil {
		s.logger.Errorf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to get Channel")
	}

	// Prefetch bounds the broker's in-flight deliveries so a stalled
	// pipeline backpressures to the broker instead of buffering here.
	err = s.channel.Qos(s.prefetch, 0, false)
	if err != nil {
		s.logger.Errorf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to set QoS")
	}

	s.logger.Info("Subscriber: got Channel")

	return nil
}

// Declare a durable Queue for the given stream and bind it
func (s *Subscriber) declareAndBindQueue(name string) error {
	s.logger.Infof("Subscriber: declaring Queue %v", name)

	_, err := s.channel.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		s.logger.Errorf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to declare Queue")
	}

	if s.config.Exchange == "" {
		return nil
	}

	s.logger.Infof("Subscriber: binding Queue to Exchange (key: %q)", name)

	err = s.channel.QueueBind(
		name,              // name
		name,              // key
		s.config.Exchange, // exchange
		false,             // noWait
		nil,               // arguments
	)
	if err != nil {
		s.logger.Errorf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to bind Queue")
	}

	return nil
}

// Start a consumer for one stream's queue and forward its deliveries
func (s *Subscriber) consume(kind StreamKind, queue string, wg *sync.WaitGroup) error {
	deliveries, err := s.channel.Consume(
		queue, // queue
		fmt.Sprintf("%s-%s", s.tag, kind), // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		s.logger.Errorf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to consume Queue %q", queue)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		for d := range deliveries {
			d := d
			s.deliveries <- Delivery{
				Kind: kind,
				Body: string(d.Body),
				Ack:  func() error { return d.Ack(false) },
			}
		}
	}()

	return nil
}

// Subscribe to the telemetry and traffic queues. The returned channel
// closes once the broker stops both consumers.
func (s *Subscriber) Subscribe() (<-chan Delivery, error) {
	err := s.dial()
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup

	err = retry.Do(
		func() error {
			err := s.getChannel()
			if err != nil {
				return err
			}

			for _, queue := range s.queues {
				err = s.declareAndBindQueue(queue)
				if err != nil {
					return err
				}
			}

			for kind, queue := range s.queues {
				err = s.consume(kind, queue, &wg)
				if err != nil {
					return err
				}
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	go func() {
		wg.Wait()
		close(s.deliveries)
	}()

	return s.deliveries, nil
}

// Shutdown the Subscriber
func (s *Subscriber) Shutdown() error {
	s.logger.Info("Subscriber: shutting down")

	if s.connection == nil {
		s.logger.Info("Subscriber: shutdown OK")

		return nil
	}

	if err := s.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}

	s.logger.Info("Subscriber: shutdown OK")

	return nil
}

// NewSubscriber creates a new Subscriber
func NewSubscriber(config AMQPConfig, channels ChannelConfig, prefetch int, logger *zap.SugaredLogger) *Subscriber {
	if prefetch <= 0 {
		prefetch = defaultBufferSize
	}

	return &Subscriber{
		config: config,
		queues: map[StreamKind]string{
			StreamTelemetry: channels.TelemetryQueue,
			StreamTraffic:   channels.TrafficQueue,
		},
		tag:        config.Tag,
		prefetch:   prefetch,
		deliveries: make(chan Delivery),
		logger:     logger,
	}
}
