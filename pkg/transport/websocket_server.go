package transport

import (
	"context"
	goerrs "errors"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/routes"
	utils "github.com/sessamekesh/wsroutes/pkg/util"
	"go.uber.org/zap"
)

const (
	DefaultBindAddress = "0.0.0.0"

	connIdLength    = 6
	shutdownTimeout = 10 * time.Second
)

type WebsocketServerParams struct {
	// MetricsPath mounts the Prometheus handler on the websocket router when
	// both it and Metrics are set.
	MetricsPath string
	Metrics     *metrics.Metrics

	ReadLimit       int64
	SendQueueLength int

	Logger *zap.Logger
}

type WebsocketServer struct {
	table  *routes.Table
	params WebsocketServerParams

	mut_connections sync.Mutex
	connections     map[*wsConn]struct{}

	mut_addr  sync.RWMutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func CreateWebsocketServer(table *routes.Table, params WebsocketServerParams) *WebsocketServer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &WebsocketServer{
		table:           table,
		params:          params,
		mut_connections: sync.Mutex{},
		connections:     make(map[*wsConn]struct{}),
		ready:           make(chan struct{}),
		log:             logger.With(zap.String("handler", "WebSocket")),
		stringGen:       utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}
}

func checkOrigin(r *http.Request, allowedOrigins []string) bool {
	if utils.Contains(routes.AllowAllOrigins, allowedOrigins) {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	for _, pattern := range allowedOrigins {
		if ok, _ := path.Match(pattern, u.Hostname()); ok {
			return true
		}
		if ok, _ := path.Match(pattern, u.Host); ok {
			return true
		}
	}
	return false
}

func hostGuard(host string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if host == "" || host == "*" || host == DefaultBindAddress {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested := r.Host
			if h, _, err := net.SplitHostPort(r.Host); err == nil {
				requested = h
			}
			if !strings.EqualFold(requested, host) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler builds the router for the named routes. Every name must exist in
// the table; nothing is mounted otherwise.
func (s *WebsocketServer) Handler(host string, routeNames []string) (http.Handler, error) {
	if missing := s.table.Missing(routeNames); len(missing) > 0 {
		return nil, &errors.UnknownRoute{Names: missing}
	}
	entries := s.table.Lookup(routeNames)

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hostGuard(host))

	for _, name := range names {
		entry := entries[name]
		r.Get(entry.Config.Path, s.serveRoute(entry))
		s.log.Info("Mounted route",
			zap.String("route", name),
			zap.String("path", entry.Config.Path),
			zap.Strings("allowedOrigins", entry.Config.AllowedOrigins),
			zap.Bool("auth", entry.Config.Authorizable),
		)
	}

	if s.params.MetricsPath != "" && s.params.Metrics != nil {
		r.Handle(s.params.MetricsPath, s.params.Metrics.Handler())
	}

	return r, nil
}

func (s *WebsocketServer) serveRoute(entry routes.Entry) http.HandlerFunc {
	allowedOrigins := entry.Config.AllowedOrigins
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowedOrigins)
		},
	}
	app := entry.Application

	return func(w http.ResponseWriter, r *http.Request) {
		connId := s.stringGen.GetRandomString(connIdLength)
		log := s.log.With(
			zap.String("route", entry.Name),
			zap.String("wsConnId", connId),
			zap.String("remoteAddr", r.RemoteAddr),
		)

		log.Debug("New WebSocket request")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
			return
		}

		c := newWsConn(connId, ws, s.params.SendQueueLength, log)
		s.track(c)
		defer s.untrack(c)

		go c.writePump()
		app.OnOpen(c)
		c.readPump(app, s.params.ReadLimit)
	}
}

func (s *WebsocketServer) track(c *wsConn) {
	s.mut_connections.Lock()
	defer s.mut_connections.Unlock()
	s.connections[c] = struct{}{}
}

func (s *WebsocketServer) untrack(c *wsConn) {
	s.mut_connections.Lock()
	defer s.mut_connections.Unlock()
	delete(s.connections, c)
}

// closeAll closes every live socket. http.Server.Shutdown leaves hijacked
// connections alone.
func (s *WebsocketServer) closeAll() {
	s.mut_connections.Lock()
	conns := make([]*wsConn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mut_connections.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		s.log.Info("Closed open connections", zap.Int("count", len(conns)))
	}
}

func (s *WebsocketServer) ConnectionCount() int {
	s.mut_connections.Lock()
	defer s.mut_connections.Unlock()
	return len(s.connections)
}

// Addr is the bound listener address, or nil before Ready.
func (s *WebsocketServer) Addr() net.Addr {
	s.mut_addr.RLock()
	defer s.mut_addr.RUnlock()
	return s.addr
}

func (s *WebsocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Start serves the named routes on bindAddress:port until ctx is done, then
// shuts down gracefully. host restricts which Host header is answered.
func (s *WebsocketServer) Start(ctx context.Context, host string, port int, routeNames []string, bindAddress string) error {
	handler, err := s.Handler(host, routeNames)
	if err != nil {
		return err
	}

	if bindAddress == "" {
		bindAddress = DefaultBindAddress
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	s.mut_addr.Lock()
	s.addr = listener.Addr()
	s.mut_addr.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Sugar().Infof("Starting WebSocket server at %s", listener.Addr())
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if goerrs.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownRelease()
	s.log.Info("Attempting to trigger shutdown of WebSocket server")

	s.closeAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
		return err
	}
	<-serveErr

	s.log.Info("Successfully shutdown WebSocket server")
	return nil
}
