package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wadispatch/internal/campaign"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/outbox"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// ErrDrainBusy is returned by RunOnce while another pass is in progress.
var ErrDrainBusy = errors.New("drain pass already running")

type DrainConfig struct {
	// Schedule is a cron spec (seconds optional) or a descriptor such as "@every 5s".
	Schedule      string
	BatchSize     int
	MaxTenants    int
	TenantWorkers int
	// TenantRatePerMinute caps sends per tenant; <=0 disables the limiter.
	TenantRatePerMinute int
	SendTimeout         time.Duration
}

func (c DrainConfig) withDefaults() DrainConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 5s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.TenantWorkers <= 0 {
		c.TenantWorkers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// DrainStats summarizes one pass.
type DrainStats struct {
	Tenants  int `json:"tenants"`
	Attempts int `json:"attempts"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	// Lost counts sends whose resolve was a no-op because another resolver won.
	Lost   int `json:"lost"`
	Errors int `json:"errors"`
}

func (s *DrainStats) add(o DrainStats) {
	s.Tenants += o.Tenants
	s.Attempts += o.Attempts
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Lost += o.Lost
	s.Errors += o.Errors
}

type DrainerOptions struct {
	Clock clockwork.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

// Drainer pulls due entries, hands them to the transport and records the outcome.
// It never re-derives pacing: an entry is sent as soon as it is due.
type Drainer struct {
	store   Store
	tracker *campaign.Tracker
	sender  transport.Sender
	clock   clockwork.Clock
	bus     eventbus.Bus
	log     logx.Logger

	mu       sync.Mutex
	cfg      DrainConfig
	limiters map[string]*rate.Limiter
	tenants  map[string]*sync.Mutex

	pass   sync.Mutex
	passes atomic.Uint64
	last   atomic.Value // DrainStats

	cronMu sync.Mutex
	cron   *cron.Cron
}

func NewDrainer(store Store, tracker *campaign.Tracker, sender transport.Sender, cfg DrainConfig, opts DrainerOptions) *Drainer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	d := &Drainer{
		store:    store,
		tracker:  tracker,
		sender:   sender,
		clock:    opts.Clock,
		bus:      opts.Bus,
		log:      opts.Log,
		cfg:      cfg.withDefaults(),
		limiters: map[string]*rate.Limiter{},
		tenants:  map[string]*sync.Mutex{},
	}
	d.last.Store(DrainStats{})
	return d
}

// Apply swaps the batch, concurrency and rate settings. The schedule only changes on
// the next Start.
func (d *Drainer) Apply(cfg DrainConfig) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	for _, l := range d.limiters {
		l.SetLimit(perMinute(cfg.TenantRatePerMinute))
	}
}

func (d *Drainer) config() DrainConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Passes returns how many passes completed; LastStats the result of the latest one.
func (d *Drainer) Passes() uint64        { return d.passes.Load() }
func (d *Drainer) LastStats() DrainStats { return d.last.Load().(DrainStats) }

// Start schedules RunOnce on the configured cron spec. The cron loop lives under sup
// and stops with it.
func (d *Drainer) Start(sup *supervisor.Supervisor) error {
	if sup == nil {
		return errors.New("drainer needs a supervisor")
	}
	cfg := d.config()
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("drain schedule %q: %w", cfg.Schedule, err)
	}

	cl := cronLogger{log: d.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := sup.Context()
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, ErrDrainBusy) && ctx.Err() == nil {
			d.log.Warn("drain pass failed", logx.Err(err))
		}
	}))

	d.cronMu.Lock()
	if d.cron != nil {
		d.cronMu.Unlock()
		return errors.New("drainer already started")
	}
	d.cron = c
	d.cronMu.Unlock()

	sup.Go("drain.cron", func(ctx context.Context) error {
		c.Start()
		d.log.Info("drain loop started", logx.String("schedule", cfg.Schedule))
		<-ctx.Done()
		<-c.Stop().Done()
		d.cronMu.Lock()
		d.cron = nil
		d.cronMu.Unlock()
		d.log.Info("drain loop stopped", logx.Int64("passes", int64(d.passes.Load())))
		return nil
	})
	return nil
}

// RunOnce drains every tenant with due entries. Tenants run with bounded parallelism;
// entries of one tenant are sent in order, one at a time.
func (d *Drainer) RunOnce(ctx context.Context) (DrainStats, error) {
	if !d.pass.TryLock() {
		return DrainStats{}, ErrDrainBusy
	}
	defer d.pass.Unlock()

	cfg := d.config()
	clients, err := d.store.DueClients(ctx, d.clock.Now(), cfg.MaxTenants)
	if err != nil {
		return DrainStats{}, fmt.Errorf("due clients: %w", err)
	}

	var (
		mu    sync.Mutex
		total = DrainStats{Tenants: len(clients)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.TenantWorkers)
	for _, clientID := range clients {
		g.Go(func() error {
			st, err := d.DrainClient(gctx, clientID)
			mu.Lock()
			st.Tenants = 0
			total.add(st)
			mu.Unlock()
			if err != nil && gctx.Err() == nil {
				d.log.Warn("tenant drain failed", logx.String("client_id", clientID), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	d.passes.Add(1)
	d.last.Store(total)
	if total.Attempts > 0 {
		d.log.Info("drain pass",
			logx.Int("tenants", total.Tenants),
			logx.Int("sent", total.Sent),
			logx.Int("failed", total.Failed),
			logx.Int("lost", total.Lost),
			logx.Int("errors", total.Errors),
		)
	}
	return total, ctx.Err()
}

// DrainClient sends one batch of the tenant's due entries.
func (d *Drainer) DrainClient(ctx context.Context, clientID string) (DrainStats, error) {
	lock := d.tenantLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	cfg := d.config()
	stats := DrainStats{Tenants: 1}
	entries, err := d.store.ListDue(ctx, clientID, d.clock.Now(), cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list due: %w", err)
	}
	log := d.log.With(logx.String("client_id", clientID))
	limiter := d.limiter(clientID)
	touched := map[string]struct{}{}

	for _, e := range entries {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		stats.Attempts++
		status, meta, sendErr := d.send(ctx, cfg, e)
		ok, err := d.store.Resolve(context.WithoutCancel(ctx), clientID, e.ID, status, meta)
		switch {
		case err != nil:
			// The entry stays pending and is retried on a later pass.
			stats.Errors++
			log.Error("resolve failed", logx.String("entry_id", e.ID), logx.Err(err))
			continue
		case !ok:
			stats.Lost++
			log.Debug("entry resolved elsewhere", logx.String("entry_id", e.ID))
			continue
		}

		typ := eventbus.TypeEntrySent
		delta := campaign.Counters{Sent: 1}
		if status == outbox.StatusFailed {
			stats.Failed++
			typ = eventbus.TypeEntryFailed
			delta = campaign.Counters{Failed: 1}
			log.Warn("delivery failed", logx.String("entry_id", e.ID), logx.String("to", e.To), logx.Err(sendErr))
		} else {
			stats.Sent++
		}
		d.publish(typ, e, sendErr)

		if runID := e.RunID(); runID != "" {
			if err := d.tracker.Record(context.WithoutCancel(ctx), clientID, runID, delta); err != nil {
				log.Warn("run counter update failed", logx.String("run_id", runID), logx.Err(err))
			}
			touched[runID] = struct{}{}
		}
	}

	for runID := range touched {
		if _, err := d.tracker.Complete(context.WithoutCancel(ctx), clientID, runID); err != nil {
			log.Warn("run completion check failed", logx.String("run_id", runID), logx.Err(err))
		}
	}
	return stats, ctx.Err()
}

// send never returns an error; a failed delivery becomes a failed status with the
// cause in the meta.
func (d *Drainer) send(ctx context.Context, cfg DrainConfig, e outbox.Entry) (outbox.Status, outbox.DeliveryMeta, error) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	meta, err := d.safeSend(sctx, e)
	if err != nil {
		return outbox.StatusFailed, outbox.DeliveryMeta{"error": err.Error()}, err
	}
	return outbox.StatusSent, meta, nil
}

func (d *Drainer) safeSend(ctx context.Context, e outbox.Entry) (meta outbox.DeliveryMeta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.sender.Send(ctx, e.ClientID, e.To, e.Message)
}

func (d *Drainer) publish(typ string, e outbox.Entry, sendErr error) {
	ev := eventbus.EntryEvent{EntryID: e.ID, To: e.To, RunID: e.RunID(), Error: errString(sendErr)}
	if e.Correlation != nil {
		ev.CampaignID = e.Correlation.CampaignID
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clock.Now(), ClientID: e.ClientID, Data: ev})
}

func (d *Drainer) limiter(clientID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.limiters[clientID]
	if l == nil {
		l = rate.NewLimiter(perMinute(d.cfg.TenantRatePerMinute), 1)
		d.limiters[clientID] = l
	}
	return l
}

func (d *Drainer) tenantLock(clientID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.tenants[clientID]
	if m == nil {
		m = &sync.Mutex{}
		d.tenants[clientID] = m
	}
	return m
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
