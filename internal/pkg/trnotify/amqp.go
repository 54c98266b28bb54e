package trnotify

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/bcongdon/trickle"
	multierror "github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Config locates the exchange commit notifications are published on.
type Config struct {
	URL      string
	Exchange string
}

// Channel is the subset of *amqp.Channel used to publish notifications.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher is a trickle.CommitListener that publishes one JSON message
// per committed batch on a fanout exchange.
type AMQPPublisher struct {
	channel  Channel
	conn     io.Closer
	exchange string
}

// Dial connects to the broker and declares the exchange.
func Dial(config Config) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	err = ch.ExchangeDeclare(
		config.Exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", config.Exchange)
	}
	log.Debugf("Publishing commits to exchange %s", config.Exchange)

	publisher := NewAMQPPublisher(ch, config.Exchange)
	publisher.conn = conn
	return publisher, nil
}

// NewAMQPPublisher returns a publisher using an open channel. The exchange
// must already exist.
func NewAMQPPublisher(ch Channel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange}
}

// OnCommit publishes the manifest of a committed batch.
func (p *AMQPPublisher) OnCommit(ctx context.Context, commit trickle.BatchCommit) error {
	body, err := jsoniter.Marshal(commit)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		"",    // fanout exchanges ignore the routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    strconv.FormatInt(commit.BatchID, 10),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	return errors.Wrapf(err, "publish batch %d", commit.BatchID)
}

// Close closes the channel and, for publishers created by Dial, the
// connection.
func (p *AMQPPublisher) Close() error {
	var errs *multierror.Error
	if err := p.channel.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
