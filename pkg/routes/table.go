package routes

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/loop"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/registry"
	"go.uber.org/zap"
)

const AllowAllOrigins = "*"

type RouteConfig struct {
	Path           string   `mapstructure:"path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Authorizable   bool     `mapstructure:"auth"`
}

func (c RouteConfig) WithDefaults() RouteConfig {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{AllowAllOrigins}
	}
	return c
}

func (c RouteConfig) Validate(name string) error {
	if c.Path == "" {
		return &errors.InvalidRouteConfig{Route: name, Reason: "path is required"}
	}
	if !strings.HasPrefix(c.Path, "/") {
		return &errors.InvalidRouteConfig{Route: name, Reason: "path must start with '/'"}
	}
	return nil
}

type Entry struct {
	Name        string
	Application *Application
	Config      RouteConfig
}

// Table maps route names to their application and configuration. It is filled
// once at startup and only read afterwards.
type Table struct {
	mut_entries sync.RWMutex
	entries     map[string]Entry
}

func CreateTable() *Table {
	return &Table{
		mut_entries: sync.RWMutex{},
		entries:     make(map[string]Entry),
	}
}

// Register stores the route, replacing any earlier entry with the same name.
func (t *Table) Register(name string, app *Application, cfg RouteConfig) {
	t.mut_entries.Lock()
	defer t.mut_entries.Unlock()

	t.entries[name] = Entry{
		Name:        name,
		Application: app,
		Config:      cfg.WithDefaults(),
	}
}

// Lookup returns the entries whose names are in names. Unknown names are
// left out; use Missing to detect them.
func (t *Table) Lookup(names []string) map[string]Entry {
	t.mut_entries.RLock()
	defer t.mut_entries.RUnlock()

	found := make(map[string]Entry, len(names))
	for _, name := range names {
		if entry, has := t.entries[name]; has {
			found[name] = entry
		}
	}
	return found
}

func (t *Table) Missing(names []string) []string {
	t.mut_entries.RLock()
	defer t.mut_entries.RUnlock()

	var missing []string
	for _, name := range names {
		if _, has := t.entries[name]; !has {
			missing = append(missing, name)
		}
	}
	return missing
}

func (t *Table) Get(name string) (Entry, bool) {
	t.mut_entries.RLock()
	defer t.mut_entries.RUnlock()

	entry, has := t.entries[name]
	return entry, has
}

func (t *Table) Names() []string {
	t.mut_entries.RLock()
	defer t.mut_entries.RUnlock()

	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type TableParams struct {
	Routes      map[string]RouteConfig
	Publisher   events.Publisher
	Loop        *loop.Loop
	AuthTimeout time.Duration
	Context     context.Context
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// BuildTable creates one application and one authorized registry per
// configured route and registers them. Two routes may not share a path.
func BuildTable(params TableParams) (*Table, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	names := make([]string, 0, len(params.Routes))
	for name := range params.Routes {
		names = append(names, name)
	}
	sort.Strings(names)

	table := CreateTable()
	paths := make(map[string]string, len(names))
	for _, name := range names {
		cfg := params.Routes[name].WithDefaults()
		if err := cfg.Validate(name); err != nil {
			return nil, err
		}
		if other, taken := paths[cfg.Path]; taken {
			return nil, &errors.NameCollision{
				CollisionContext: "route path shared with " + other,
				Name:             cfg.Path,
			}
		}
		paths[cfg.Path] = name

		app, err := CreateApplication(ApplicationParams{
			Name:         name,
			Connections:  registry.CreateRegistry(),
			Publisher:    params.Publisher,
			Loop:         params.Loop,
			Authorizable: cfg.Authorizable,
			AuthTimeout:  params.AuthTimeout,
			Context:      params.Context,
			Logger:       logger,
			Metrics:      params.Metrics,
		})
		if err != nil {
			return nil, err
		}

		table.Register(name, app, cfg)
		logger.Debug("Registered route",
			zap.String("route", name),
			zap.String("path", cfg.Path),
			zap.Strings("allowedOrigins", cfg.AllowedOrigins),
			zap.Bool("auth", cfg.Authorizable),
		)
	}

	return table, nil
}
