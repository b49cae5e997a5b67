// Package interest quotes margin borrow costs. A single actor caches
// per-(venue, asset) rates so order accounting never hammers venue rate
// endpoints; fetches happen on the loop because rate lookups are rare and
// tolerate a venue round trip.
package interest

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/mailbox"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/telemetry"
)

const (
	defaultMailboxCapacity = 64
	defaultTTL             = time.Hour
)

// message is one unit of work on the provider loop.
type message interface {
	handle(ctx context.Context, p *Provider)
}

// Config wires the provider's collaborators.
type Config struct {
	Venues          exchange.Directory
	Metrics         *telemetry.Metrics
	Logger          *log.Logger
	MailboxCapacity int
	// TTL bounds how long a fetched rate serves lookups. Zero means the
	// default of one hour.
	TTL   time.Duration
	Clock func() time.Time
}

type cached struct {
	rate      schema.InterestRate
	fetchedAt time.Time
}

// Provider serves margin interest rates through a caching actor.
type Provider struct {
	venues  exchange.Directory
	metrics *telemetry.Metrics
	logger  *log.Logger
	ttl     time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mbox  *mailbox.Mailbox[message]
	cache map[string]cached

	started  atomic.Bool
	stopOnce sync.Once
	loopDone chan struct{}
}

// NewProvider builds an interest provider over the given venues.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Venues == nil {
		return nil, errs.New("interest.new", errs.CodeConfig, errs.WithMessage("venue directory required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "interest ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = defaultMailboxCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Provider{
		venues:   cfg.Venues,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		ttl:      cfg.TTL,
		now:      cfg.Clock,
		ctx:      nil,
		cancel:   nil,
		mbox:     mailbox.New[message]("interest", cfg.MailboxCapacity, errs.CodeInterestMailbox).WithMetrics(cfg.Metrics),
		cache:    make(map[string]cached),
		started:  atomic.Bool{},
		stopOnce: sync.Once{},
		loopDone: make(chan struct{}),
	}, nil
}

// Start spins up the loop. The context bounds the venue fetches the
// provider makes on its own behalf.
func (p *Provider) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.run()
	return nil
}

// Stop drains the mailbox and stops the loop.
func (p *Provider) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.mbox.Close()
		<-p.loopDone
		p.cancel()
	})
}

func (p *Provider) run() {
	defer close(p.loopDone)
	for msg := range p.mbox.Receive() {
		msg.handle(p.ctx, p)
	}
}

type rateMsg struct {
	exchange schema.Exchange
	asset    string
	reply    chan rateReply
}

type rateReply struct {
	rate schema.InterestRate
	err  error
}

func (msg *rateMsg) handle(ctx context.Context, p *Provider) {
	key := string(msg.exchange) + "|" + msg.asset
	if held, ok := p.cache[key]; ok && p.now().Sub(held.fetchedAt) < p.ttl {
		msg.reply <- rateReply{rate: held.rate, err: nil}
		return
	}
	api, err := p.venues.Api(msg.exchange)
	if err != nil {
		msg.reply <- rateReply{rate: schema.InterestRate{}, err: err}
		return
	}
	rate, err := api.InterestRate(ctx, msg.asset)
	if err != nil {
		msg.reply <- rateReply{rate: schema.InterestRate{}, err: err}
		return
	}
	p.cache[key] = cached{rate: rate, fetchedAt: p.now()}
	p.metrics.RecordInterestFetch(ctx, msg.exchange.String(), msg.asset)
	msg.reply <- rateReply{rate: rate, err: nil}
}

// Rate quotes the borrow rate for one asset, served from cache while fresh.
func (p *Provider) Rate(ctx context.Context, venue schema.Exchange, asset string) (schema.InterestRate, error) {
	msg := &rateMsg{exchange: venue, asset: asset, reply: make(chan rateReply, 1)}
	if err := p.mbox.Send(ctx, msg); err != nil {
		return schema.InterestRate{}, err
	}
	select {
	case r := <-msg.reply:
		return r.rate, r.err
	case <-ctx.Done():
		return schema.InterestRate{}, ctx.Err()
	}
}

// FeesSince returns the interest accrued on an order's borrowed amount
// since the venue accepted it. Orders that borrowed nothing cost nothing.
// Venues bill the first hour up front, so a margin order always owes at
// least one hour.
func (p *Provider) FeesSince(ctx context.Context, venue schema.Exchange, order *schema.OrderDetail) (decimal.Decimal, error) {
	if order == nil || !order.BorrowedAmount.IsPositive() || order.BorrowedAsset == "" {
		return decimal.Zero, nil
	}
	rate, err := p.Rate(ctx, venue, order.BorrowedAsset)
	if err != nil {
		return decimal.Zero, err
	}
	since := order.CreatedAt
	if order.OpenAt != nil {
		since = *order.OpenAt
	}
	hours := int64(p.now().Sub(since).Hours())
	if hours < 1 {
		hours = 1
	}
	return rate.Accrue(order.BorrowedAmount, hours), nil
}
