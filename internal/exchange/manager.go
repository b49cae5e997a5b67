package exchange

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

// Manager holds the loaded venue connections and dispatches by exchange
// value. Registration happens during wiring; lookups after that are
// read-only.
type Manager struct {
	mu     sync.RWMutex
	apis   map[schema.Exchange]Api
	logger *log.Logger
}

// NewManager builds a manager over the given connections. Registering two
// connections for one venue keeps the last.
func NewManager(logger *log.Logger, apis ...Api) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "exchange-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		mu:     sync.RWMutex{},
		apis:   make(map[schema.Exchange]Api, len(apis)),
		logger: logger,
	}
	for _, api := range apis {
		m.Register(api)
	}
	return m
}

// Register adds a venue connection, replacing any previous one for the same
// venue.
func (m *Manager) Register(api Api) {
	if api == nil {
		return
	}
	m.mu.Lock()
	m.apis[api.Name()] = api
	m.mu.Unlock()
}

// Api resolves the connection for a venue.
func (m *Manager) Api(exchange schema.Exchange) (Api, error) {
	m.mu.RLock()
	api, ok := m.apis[exchange]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New("exchange.api", errs.CodeExchangeNotLoaded,
			errs.WithMessage("no api loaded for exchange"), errs.WithVenue(exchange.String()))
	}
	return api, nil
}

// Exchanges lists the loaded venues in stable order.
func (m *Manager) Exchanges() []schema.Exchange {
	m.mu.RLock()
	out := make([]schema.Exchange, 0, len(m.apis))
	for exchange := range m.apis {
		out = append(out, exchange)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartAll starts every loaded connection. The first failure stops the
// connections already started and is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	started := make([]Api, 0, len(m.apis))
	for _, exchange := range m.Exchanges() {
		api, err := m.Api(exchange)
		if err != nil {
			continue
		}
		if err := api.Start(ctx); err != nil {
			for _, prev := range started {
				if stopErr := prev.Stop(ctx); stopErr != nil {
					m.logger.Printf("exchange/%s: stop after failed start: %v", prev.Name(), stopErr)
				}
			}
			return errs.New("exchange.start", errs.CodeExchange,
				errs.WithMessage("start venue connection"), errs.WithVenue(exchange.String()), errs.WithCause(err))
		}
		started = append(started, api)
	}
	return nil
}

// StopAll stops every loaded connection, logging failures rather than
// aborting the shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, exchange := range m.Exchanges() {
		api, err := m.Api(exchange)
		if err != nil {
			continue
		}
		if err := api.Stop(ctx); err != nil {
			m.logger.Printf("exchange/%s: stop: %v", exchange, err)
		}
	}
}
