// Package dispatch turns campaign requests and transactional messages into paced outbox
// entries, cancels them on operator request, and drains due entries to the transport.
//
// Enqueue flow: guardrail policy -> schedule -> outbox entries + run tracker.
// Drain flow: due entries -> transport -> resolve -> run counters.
// The two flows share state only through the store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"wadispatch/internal/campaign"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/outbox"
	"wadispatch/internal/pacing"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
)

var (
	// ErrValidation marks a request rejected before anything was persisted.
	ErrValidation = errors.New("validation")
	// ErrGuardrailViolation marks a campaign larger than its pacing profile allows.
	ErrGuardrailViolation = errors.New("guardrail_violation")
)

// Store is what the dispatch services need from storage.
type Store interface {
	outbox.Store
	campaign.RunStore
}

// Auditor records operator actions. Failures are logged, never returned.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Flusher drains one tenant synchronously; used by immediate mode.
type Flusher interface {
	DrainClient(ctx context.Context, clientID string) (DrainStats, error)
}

type Options struct {
	Clock          clockwork.Clock
	Rand           pacing.Rand
	Bus            eventbus.Bus
	Auditor        Auditor
	Log            logx.Logger
	DefaultProfile pacing.Profile
	Immediate      bool
}

type Coordinator struct {
	store   Store
	tracker *campaign.Tracker
	clock   clockwork.Clock
	rng     pacing.Rand
	bus     eventbus.Bus
	audit   Auditor
	log     logx.Logger

	defaultProfile atomic.Value // pacing.Profile
	immediate      atomic.Bool

	flushMu sync.RWMutex
	flusher Flusher
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rand == nil {
		opts.Rand = pacing.NewLockedRand()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	c := &Coordinator{
		store: store,
		clock: opts.Clock,
		rng:   opts.Rand,
		bus:   opts.Bus,
		audit: opts.Auditor,
		log:   opts.Log,
	}
	c.tracker = campaign.NewTracker(store, store, opts.Clock, opts.Log.With(logx.String("comp", "tracker")))
	c.tracker.OnTransition = c.publishRun
	c.SetDefaultProfile(opts.DefaultProfile)
	c.immediate.Store(opts.Immediate)
	return c
}

// Tracker exposes the run tracker shared with the drain loop.
func (c *Coordinator) Tracker() *campaign.Tracker { return c.tracker }

// SetDefaultProfile changes the profile used when a request names none.
func (c *Coordinator) SetDefaultProfile(p pacing.Profile) {
	c.defaultProfile.Store(pacing.Resolve(p).Profile)
}

func (c *Coordinator) DefaultProfile() pacing.Profile {
	return c.defaultProfile.Load().(pacing.Profile)
}

func (c *Coordinator) SetImmediate(enabled bool) { c.immediate.Store(enabled) }

func (c *Coordinator) SetFlusher(f Flusher) {
	c.flushMu.Lock()
	c.flusher = f
	c.flushMu.Unlock()
}

// Target is one recipient of a campaign. An empty Message falls back to the request's.
type Target struct {
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

type DispatchRequest struct {
	ClientID   string         `json:"client_id"`
	CampaignID string         `json:"campaign_id"`
	Kind       campaign.Kind  `json:"kind,omitempty"`
	Profile    pacing.Profile `json:"profile,omitempty"`
	Message    string         `json:"message,omitempty"`
	Targets    []Target       `json:"targets"`
}

type DispatchResult struct {
	RunID    string          `json:"run_id"`
	Status   campaign.Status `json:"status"`
	Profile  pacing.Profile  `json:"profile"`
	Enqueued int             `json:"enqueued"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
}

// DispatchCampaign schedules one paced outbox entry per target under a new run.
//
// Oversized or empty requests are rejected before anything is written. Per-target
// errors are counted and never abort the remaining targets.
func (c *Coordinator) DispatchCampaign(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.CampaignID = strings.TrimSpace(req.CampaignID)
	switch {
	case req.ClientID == "":
		return DispatchResult{}, fmt.Errorf("%w: client_id is required", ErrValidation)
	case req.CampaignID == "":
		return DispatchResult{}, fmt.Errorf("%w: campaign_id is required", ErrValidation)
	case len(req.Targets) == 0:
		return DispatchResult{}, fmt.Errorf("%w: targets must not be empty", ErrValidation)
	}
	switch req.Kind {
	case "":
		req.Kind = campaign.KindDirect
	case campaign.KindDirect, campaign.KindGroup:
	default:
		return DispatchResult{}, fmt.Errorf("%w: unknown campaign kind %q", ErrValidation, req.Kind)
	}

	profile := req.Profile
	if strings.TrimSpace(string(profile)) == "" {
		profile = c.DefaultProfile()
	}
	policy := pacing.Resolve(profile)
	if len(req.Targets) > policy.MaxTargetsPerRun {
		return DispatchResult{}, fmt.Errorf("%w: %d targets exceed the %s limit of %d per run",
			ErrGuardrailViolation, len(req.Targets), policy.Profile, policy.MaxTargetsPerRun)
	}

	log := c.log.With(
		logx.String("client_id", req.ClientID),
		logx.String("campaign_id", req.CampaignID),
		logx.String("profile", string(policy.Profile)),
	)

	run, err := c.tracker.Create(ctx, req.ClientID, req.CampaignID, req.Kind, string(policy.Profile), len(req.Targets))
	if err != nil {
		return DispatchResult{}, err
	}
	log = log.With(logx.String("run_id", run.ID))
	res := DispatchResult{RunID: run.ID, Profile: policy.Profile, Status: campaign.StatusQueued}

	schedule := pacing.BuildSchedule(len(req.Targets), policy, c.clock.Now().UTC(), c.rng)
	if len(schedule) != len(req.Targets) {
		err := fmt.Errorf("schedule has %d slots for %d targets", len(schedule), len(req.Targets))
		c.failRun(ctx, run, err, log)
		return res, err
	}
	if err := c.tracker.Start(ctx, req.ClientID, run.ID); err != nil {
		c.failRun(ctx, run, err, log)
		return res, err
	}

	corrKind := outbox.CorrelationCampaign
	if req.Kind == campaign.KindGroup {
		corrKind = outbox.CorrelationGroupCampaign
	}

	var lastErr error
	interrupted := false
	for i, t := range req.Targets {
		if err := ctx.Err(); err != nil {
			// Remaining targets were never written.
			res.Failed += len(req.Targets) - i
			c.record(ctx, run, campaign.Counters{Failed: len(req.Targets) - i}, log)
			lastErr = err
			interrupted = true
			break
		}
		to := strings.TrimSpace(t.To)
		message := t.Message
		if strings.TrimSpace(message) == "" {
			message = req.Message
		}
		if to == "" || strings.TrimSpace(message) == "" {
			res.Skipped++
			c.record(ctx, run, campaign.Counters{Skipped: 1}, log)
			continue
		}

		notBefore := schedule[i]
		entry, created, err := c.store.Enqueue(ctx, outbox.Entry{
			ClientID:       req.ClientID,
			To:             to,
			Message:        message,
			NotBefore:      &notBefore,
			IdempotencyKey: "run:" + run.ID + ":" + to,
			Correlation:    &outbox.Correlation{Kind: corrKind, CampaignID: req.CampaignID, RunID: run.ID},
		})
		switch {
		case err != nil:
			res.Failed++
			lastErr = err
			c.record(ctx, run, campaign.Counters{Failed: 1}, log)
			log.Warn("enqueue failed", logx.String("to", to), logx.Err(err))
		case !created:
			// duplicate recipient in the same run
			res.Skipped++
			c.record(ctx, run, campaign.Counters{Skipped: 1}, log)
		default:
			res.Enqueued++
			c.record(ctx, run, campaign.Counters{Enqueued: 1}, log)
			c.publishEntry(eventbus.TypeEntryEnqueued, entry, "")
		}
	}

	switch {
	case interrupted || (res.Enqueued == 0 && res.Failed > 0):
		c.failRun(ctx, run, lastErr, log)
	default:
		c.maybeFlush(ctx, req.ClientID, log)
		if _, err := c.tracker.Complete(ctx, req.ClientID, run.ID); err != nil {
			log.Warn("run completion check failed", logx.Err(err))
		}
	}

	if cur, err := c.tracker.Get(context.WithoutCancel(ctx), req.ClientID, run.ID); err == nil {
		res.Status = cur.Status
	}
	log.Info("campaign dispatched",
		logx.Int("targets", len(req.Targets)),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
		logx.String("status", string(res.Status)),
	)
	c.appendAudit(ctx, storage.AuditEntry{
		ClientID: req.ClientID,
		Action:   "dispatch",
		Target:   req.CampaignID,
		OK:       res.Enqueued,
		Fail:     res.Failed,
		Error:    errString(lastErr),
		MetaJSON: metaJSON(map[string]any{"run_id": run.ID, "profile": policy.Profile, "skipped": res.Skipped}),
	})
	return res, nil
}

type EnqueueRequest struct {
	ClientID       string     `json:"client_id"`
	To             string     `json:"to"`
	Message        string     `json:"message"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// Enqueue queues one transactional message. A repeated IdempotencyKey returns the
// stored entry with created=false.
func (c *Coordinator) Enqueue(ctx context.Context, req EnqueueRequest) (outbox.Entry, bool, error) {
	e := outbox.Entry{
		ClientID:       strings.TrimSpace(req.ClientID),
		To:             strings.TrimSpace(req.To),
		Message:        req.Message,
		NotBefore:      req.NotBefore,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if err := e.Validate(); err != nil {
		return outbox.Entry{}, false, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	stored, created, err := c.store.Enqueue(ctx, e)
	if err != nil {
		return outbox.Entry{}, false, fmt.Errorf("enqueue: %w", err)
	}
	log := c.log.With(logx.String("client_id", stored.ClientID), logx.String("entry_id", stored.ID))
	if !created {
		log.Debug("idempotent enqueue hit", logx.String("key", stored.IdempotencyKey))
		return stored, false, nil
	}
	c.publishEntry(eventbus.TypeEntryEnqueued, stored, "")
	if stored.Due(c.clock.Now()) {
		c.maybeFlush(ctx, stored.ClientID, log)
	}
	return stored, true, nil
}

// GetEntry returns one entry of the tenant.
func (c *Coordinator) GetEntry(ctx context.Context, clientID, id string) (outbox.Entry, error) {
	return c.store.Get(ctx, clientID, id)
}

func (c *Coordinator) GetRun(ctx context.Context, clientID, runID string) (campaign.Run, error) {
	return c.tracker.Get(ctx, clientID, runID)
}

func (c *Coordinator) ListRuns(ctx context.Context, clientID, campaignID string) ([]campaign.Run, error) {
	return c.tracker.ListByCampaign(ctx, clientID, campaignID)
}

// PauseRun stops delivery of the run's remaining entries.
func (c *Coordinator) PauseRun(ctx context.Context, clientID, runID string) error {
	err := c.tracker.Pause(ctx, clientID, runID)
	c.appendAudit(ctx, storage.AuditEntry{ClientID: clientID, Action: "pause", Target: runID, Error: errString(err)})
	return err
}

// ResumeRun lets the drain loop pick the run's entries up again.
func (c *Coordinator) ResumeRun(ctx context.Context, clientID, runID string) error {
	err := c.tracker.Resume(ctx, clientID, runID)
	c.appendAudit(ctx, storage.AuditEntry{ClientID: clientID, Action: "resume", Target: runID, Error: errString(err)})
	return err
}

func (c *Coordinator) maybeFlush(ctx context.Context, clientID string, log logx.Logger) {
	if !c.immediate.Load() {
		return
	}
	c.flushMu.RLock()
	f := c.flusher
	c.flushMu.RUnlock()
	if f == nil {
		return
	}
	if _, err := f.DrainClient(ctx, clientID); err != nil {
		log.Warn("immediate drain failed", logx.Err(err))
	}
}

// failRun marks the run failed and withdraws whatever it already queued.
func (c *Coordinator) failRun(ctx context.Context, run campaign.Run, cause error, log logx.Logger) {
	ctx = context.WithoutCancel(ctx)
	msg := errString(cause)
	if msg == "" {
		msg = "dispatch failed"
	}
	if err := c.tracker.Fail(ctx, run.ClientID, run.ID, msg); err != nil {
		log.Warn("mark run failed", logx.Err(err))
	}
	n, err := c.store.CancelByCorrelation(ctx, run.ClientID, outbox.Match{RunID: run.ID}, "run failed: "+msg)
	if err != nil {
		log.Warn("withdraw entries of failed run", logx.Err(err))
		return
	}
	if n > 0 {
		c.record(ctx, run, campaign.Counters{Failed: n}, log)
	}
	log.Warn("run failed", logx.String("last_error", msg), logx.Int("withdrawn", n))
}

func (c *Coordinator) record(ctx context.Context, run campaign.Run, d campaign.Counters, log logx.Logger) {
	if err := c.tracker.Record(context.WithoutCancel(ctx), run.ClientID, run.ID, d); err != nil {
		log.Warn("run counter update failed", logx.Err(err))
	}
}

func (c *Coordinator) appendAudit(ctx context.Context, e storage.AuditEntry) {
	if c.audit == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = actorFrom(ctx)
	}
	if e.At.IsZero() {
		e.At = c.clock.Now()
	}
	if err := c.audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		c.log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (c *Coordinator) publishEntry(typ string, e outbox.Entry, errMsg string) {
	ev := eventbus.EntryEvent{EntryID: e.ID, To: e.To, RunID: e.RunID(), Error: errMsg}
	if e.Correlation != nil {
		ev.CampaignID = e.Correlation.CampaignID
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clock.Now(), ClientID: e.ClientID, Data: ev})
}

func (c *Coordinator) publishRun(r campaign.Run, from campaign.Status) {
	c.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeRunStatus,
		Time:     c.clock.Now(),
		ClientID: r.ClientID,
		Data: eventbus.RunEvent{
			RunID:      r.ID,
			CampaignID: r.CampaignID,
			From:       string(from),
			To:         string(r.Status),
			LastError:  r.LastError,
		},
	})
}

type actorKey struct{}

// WithActor tags ctx with the operator recorded in audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func metaJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
