package storage

import (
	"encoding/json"
	"strings"

	"wadispatch/internal/outbox"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

const outboxColumns = `id, client_id, recipient, message, status, not_before, idempotency_key,
	corr_kind, campaign_id, run_id, delivery_meta, created_at, updated_at, resolved_at`

const runColumns = `id, client_id, campaign_id, kind, profile, status, total_targets,
	enqueued, skipped, failed, sent, created_at, started_at, finished_at, last_error`

func correlationColumns(c *outbox.Correlation) (kind, campaignID, runID any) {
	if c == nil {
		return nil, nil, nil
	}
	return string(c.Kind), nullStr(c.CampaignID), nullStr(c.RunID)
}

func buildCorrelation(kind, campaignID, runID string) *outbox.Correlation {
	if kind == "" && campaignID == "" && runID == "" {
		return nil
	}
	return &outbox.Correlation{
		Kind:       outbox.CorrelationKind(kind),
		CampaignID: campaignID,
		RunID:      runID,
	}
}

func encodeMeta(m outbox.DeliveryMeta) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMeta(b []byte) outbox.DeliveryMeta {
	if len(b) == 0 {
		return nil
	}
	var m outbox.DeliveryMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return outbox.DeliveryMeta{"raw": string(b)}
	}
	return m
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
