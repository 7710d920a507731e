// Package bridge relays messages from external brokers into route
// broadcasts. Each Source produces Messages; the Bridge delivers them to the
// authorized connections of the target route, or of every bridged route when
// a message names none.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/routes"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Message struct {
	Source  string
	Route   string
	Payload []byte
}

type Source interface {
	Name() string
	// Run feeds out until ctx is done or the source fails.
	Run(ctx context.Context, out chan<- Message) error
}

type BridgeParams struct {
	Table   *routes.Table
	Sources []Source

	// Routes receive messages that do not name a route.
	Routes []string

	BufferLength int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Bridge struct {
	table   *routes.Table
	sources []Source
	routes  []string
	buffer  int

	log     *zap.Logger
	metrics *metrics.Metrics
}

func CreateBridge(params BridgeParams) *Bridge {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	buffer := 64
	if params.BufferLength > 0 {
		buffer = params.BufferLength
	}

	return &Bridge{
		table:   params.Table,
		sources: params.Sources,
		routes:  params.Routes,
		buffer:  buffer,
		log:     logger.With(zap.String("component", "bridge")),
		metrics: params.Metrics,
	}
}

// Start runs every source and delivers their messages until ctx is done. A
// failing source stops the whole bridge and its error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if len(b.sources) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	out := make(chan Message, b.buffer)

	for _, source := range b.sources {
		source := source
		g.Go(func() error {
			b.log.Info("Starting bridge source", zap.String("source", source.Name()))
			if err := source.Run(ctx, out); err != nil {
				return fmt.Errorf("bridge source %s: %w", source.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-out:
				b.Deliver(msg)
			}
		}
	})

	return g.Wait()
}

// Deliver broadcasts one message. Unknown routes are logged and skipped.
func (b *Bridge) Deliver(msg Message) {
	targets := b.routes
	if msg.Route != "" {
		targets = []string{msg.Route}
	}

	for _, name := range targets {
		entry, ok := b.table.Get(name)
		if !ok {
			b.log.Warn("Dropping bridged message for unknown route",
				zap.String("source", msg.Source),
				zap.String("route", name),
			)
			continue
		}

		b.metrics.BridgeMessage(name, msg.Source)
		if err := entry.Application.Connections().Broadcast(msg.Payload, nil); err != nil {
			failures := len(multierr.Errors(err))
			b.metrics.BroadcastFailures(name, failures)
			b.log.Warn("Bridged broadcast partially failed",
				zap.String("source", msg.Source),
				zap.String("route", name),
				zap.Int("failures", failures),
				zap.Error(err),
			)
		}
	}
}

// ParseMappings turns "name:route" pairs into a map. A bare "name" maps to
// the empty route, meaning every bridged route.
func ParseMappings(specs []string) (map[string]string, error) {
	mappings := make(map[string]string, len(specs))
	for _, spec := range specs {
		name, route, _ := strings.Cut(spec, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid bridge mapping %q: missing name", spec)
		}
		mappings[name] = strings.TrimSpace(route)
	}
	return mappings, nil
}
