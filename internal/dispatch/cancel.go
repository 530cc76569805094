package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wadispatch/internal/campaign"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/outbox"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
)

// CancelReason is stored in the delivery meta of every entry withdrawn by an operator.
const CancelReason = "canceled by operator"

type CancelResult struct {
	Canceled int `json:"canceled"`
	Runs     int `json:"runs"`
}

// CancelCampaign withdraws every pending entry of the campaign and fails its open runs.
// Entries already sent are untouched; a second call reports zero.
func (c *Coordinator) CancelCampaign(ctx context.Context, clientID, campaignID string) (CancelResult, error) {
	clientID = strings.TrimSpace(clientID)
	campaignID = strings.TrimSpace(campaignID)
	if clientID == "" || campaignID == "" {
		return CancelResult{}, fmt.Errorf("%w: client_id and campaign_id are required", ErrValidation)
	}
	log := c.log.With(logx.String("client_id", clientID), logx.String("campaign_id", campaignID))

	runs, err := c.tracker.ListByCampaign(ctx, clientID, campaignID)
	if err != nil {
		return CancelResult{}, err
	}
	var res CancelResult
	for _, r := range runs {
		n, closed, err := c.cancelRun(ctx, r, log)
		res.Canceled += n
		if closed {
			res.Runs++
		}
		if err != nil {
			c.auditCancel(ctx, clientID, campaignID, res, err)
			return res, err
		}
	}

	// Entries correlated with the campaign but not with a tracked run.
	n, err := c.store.CancelByCorrelation(ctx, clientID, outbox.Match{CampaignID: campaignID}, CancelReason)
	res.Canceled += n
	c.auditCancel(ctx, clientID, campaignID, res, err)
	if err != nil {
		return res, fmt.Errorf("cancel campaign: %w", err)
	}
	if res.Canceled > 0 {
		c.publishCanceled(clientID, campaignID, "", res.Canceled)
	}
	log.Info("campaign canceled", logx.Int("canceled", res.Canceled), logx.Int("runs", res.Runs))
	return res, nil
}

// CancelRun is CancelCampaign scoped to one run.
func (c *Coordinator) CancelRun(ctx context.Context, clientID, runID string) (CancelResult, error) {
	r, err := c.tracker.Get(ctx, clientID, runID)
	if err != nil {
		return CancelResult{}, err
	}
	log := c.log.With(logx.String("client_id", clientID), logx.String("run_id", runID))
	n, closed, err := c.cancelRun(ctx, r, log)
	res := CancelResult{Canceled: n}
	if closed {
		res.Runs = 1
	}
	c.auditCancel(ctx, clientID, r.CampaignID, res, err)
	if err != nil {
		return res, err
	}
	if n > 0 {
		c.publishCanceled(clientID, r.CampaignID, runID, n)
	}
	log.Info("run canceled", logx.Int("canceled", n))
	return res, nil
}

// cancelRun fails the run before withdrawing its entries so a concurrent drain cannot
// complete it in between. closed reports whether this call ended the run.
func (c *Coordinator) cancelRun(ctx context.Context, r campaign.Run, log logx.Logger) (n int, closed bool, err error) {
	if !r.Status.Terminal() {
		err := c.tracker.Fail(ctx, r.ClientID, r.ID, CancelReason)
		switch {
		case err == nil:
			closed = true
		case errors.Is(err, campaign.ErrInvalidTransition):
			// finished concurrently
		default:
			return 0, false, err
		}
	}
	n, err = c.store.CancelByCorrelation(ctx, r.ClientID, outbox.Match{CampaignID: r.CampaignID, RunID: r.ID}, CancelReason)
	if err != nil {
		return 0, closed, fmt.Errorf("cancel run %s: %w", r.ID, err)
	}
	if n > 0 {
		c.record(ctx, r, campaign.Counters{Failed: n}, log.With(logx.String("run_id", r.ID)))
	}
	return n, closed, nil
}

func (c *Coordinator) auditCancel(ctx context.Context, clientID, campaignID string, res CancelResult, err error) {
	c.appendAudit(ctx, storage.AuditEntry{
		ClientID: clientID,
		Action:   "cancel",
		Target:   campaignID,
		OK:       res.Canceled,
		Error:    errString(err),
		MetaJSON: metaJSON(map[string]any{"runs": res.Runs}),
	})
}

func (c *Coordinator) publishCanceled(clientID, campaignID, runID string, n int) {
	c.bus.Publish(eventbus.Event{
		Type:     eventbus.TypeEntryCanceled,
		Time:     c.clock.Now(),
		ClientID: clientID,
		Data:     eventbus.EntryEvent{CampaignID: campaignID, RunID: runID, Count: n},
	})
}
