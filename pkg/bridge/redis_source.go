package bridge

import (
	"context"
	goerrs "errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisSourceName = "redis"

var ErrSubscriptionClosed = goerrs.New("redis subscription closed")

type RedisSourceParams struct {
	Client redis.UniversalClient
	// Channels maps each pub/sub channel to the route it feeds.
	Channels map[string]string

	Logger *zap.Logger
}

type RedisSource struct {
	client   redis.UniversalClient
	channels map[string]string

	log *zap.Logger
}

func CreateRedisSource(params RedisSourceParams) *RedisSource {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &RedisSource{
		client:   params.Client,
		channels: params.Channels,
		log:      logger.With(zap.String("source", redisSourceName)),
	}
}

func (s *RedisSource) Name() string { return redisSourceName }

func (s *RedisSource) Run(ctx context.Context, out chan<- Message) error {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	pubsub := s.client.Subscribe(ctx, names...)
	defer pubsub.Close()

	// Receive waits for the subscription confirmation so failures surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("Subscribed to channels", zap.Strings("channels", names))

	return s.relay(ctx, pubsub.Channel(), out)
}

func (s *RedisSource) relay(ctx context.Context, messages <-chan *redis.Message, out chan<- Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}

			route, known := s.channels[m.Channel]
			if !known {
				s.log.Warn("Message from unmapped channel", zap.String("channel", m.Channel))
				continue
			}

			select {
			case out <- Message{Source: redisSourceName, Route: route, Payload: []byte(m.Payload)}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
