package subscribers

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/sessamekesh/wsroutes/pkg/eventbus"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/identity"
	"go.uber.org/zap"
)

const tokenCutset = " \t\n\r\x00\x0B"

type StaticTokenAuthorizerParams struct {
	Tokens []string
	Logger *zap.Logger
}

// StaticTokenAuthorizer accepts an auth attempt whose payload, trimmed, equals
// one of a fixed set of tokens. Everything else is rejected.
type StaticTokenAuthorizer struct {
	tokens [][]byte
	log    *zap.Logger
}

func CreateStaticTokenAuthorizer(params StaticTokenAuthorizerParams) *StaticTokenAuthorizer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("subscriber", "StaticTokenAuthorizer"))

	tokens := make([][]byte, 0, len(params.Tokens))
	for _, token := range params.Tokens {
		if token = strings.Trim(token, tokenCutset); token != "" {
			tokens = append(tokens, []byte(token))
		}
	}
	if len(tokens) == 0 {
		log.Warn("No auth tokens configured, every authorization attempt will be rejected")
	}

	return &StaticTokenAuthorizer{
		tokens: tokens,
		log:    log,
	}
}

func (a *StaticTokenAuthorizer) Register(bus *eventbus.Bus) error {
	return bus.Subscribe(events.KindConnectionAuth, a.Authorize)
}

func (a *StaticTokenAuthorizer) Authorize(ctx context.Context, ev events.Event) error {
	attempt, ok := ev.(events.ConnectionAuth)
	if !ok {
		return nil
	}

	presented := []byte(strings.Trim(string(attempt.Payload), tokenCutset))
	for _, token := range a.tokens {
		if subtle.ConstantTimeCompare(presented, token) == 1 {
			a.log.Debug("Token accepted",
				zap.String("route", attempt.Route),
				zap.String("connId", identity.Identify(attempt.Conn)),
			)
			return nil
		}
	}

	return &events.AuthRejected{Route: attempt.Route, Reason: "unrecognized token"}
}
