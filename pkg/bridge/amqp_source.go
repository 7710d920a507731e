package bridge

import (
	"context"
	goerrs "errors"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const amqpSourceName = "amqp"

var ErrDeliveriesClosed = goerrs.New("delivery channel closed")

type AMQPSourceParams struct {
	URL string
	// Exchanges maps each fanout exchange to the route it feeds.
	Exchanges map[string]string

	Logger *zap.Logger
}

// AMQPSource binds one exclusive, auto-deleted queue to every configured
// fanout exchange and relays each delivery to the exchange's route.
type AMQPSource struct {
	url       string
	exchanges map[string]string

	log *zap.Logger
}

func CreateAMQPSource(params AMQPSourceParams) *AMQPSource {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &AMQPSource{
		url:       params.URL,
		exchanges: params.Exchanges,
		log:       logger.With(zap.String("source", amqpSourceName)),
	}
}

func (s *AMQPSource) Name() string { return amqpSourceName }

func (s *AMQPSource) Run(ctx context.Context, out chan<- Message) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	exchanges := make([]string, 0, len(s.exchanges))
	for exchange := range s.exchanges {
		exchanges = append(exchanges, exchange)
	}
	sort.Strings(exchanges)

	for _, exchange := range exchanges {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
			return fmt.Errorf("bind exchange %s: %w", exchange, err)
		}
		s.log.Info("Connected to exchange", zap.String("exchange", exchange), zap.String("route", s.exchanges[exchange]))
	}

	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			s.log.Error("AMQP connection closed", zap.Error(amqpErr))
		}
	}()

	return s.relay(ctx, deliveries, out)
}

func (s *AMQPSource) relay(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}

			route, known := s.exchanges[d.Exchange]
			if !known {
				s.log.Warn("Delivery from unmapped exchange", zap.String("exchange", d.Exchange))
				continue
			}

			select {
			case out <- Message{Source: amqpSourceName, Route: route, Payload: d.Body}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
