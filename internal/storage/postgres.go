package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"wadispatch/internal/campaign"
	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// postgresStore uses the same schema as sqlite with native timestamps and a BIGSERIAL
// sequence to break CreatedAt ties.
type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	clock clockwork.Clock
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &postgresStore{pool: pool, log: log, clock: cfg.Clock}

	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, client_id, actor, action, target, ok, fail, err, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At.UTC(), e.ClientID, nullStr(e.Actor), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

// ---- outbox.Store ----

func (s *postgresStore) Enqueue(ctx context.Context, e outbox.Entry) (outbox.Entry, bool, error) {
	if err := e.Validate(); err != nil {
		return outbox.Entry{}, false, err
	}
	stored := prepareEntry(e, uuid.NewString(), stamp(s.clock.Now()))
	kind, campaignID, runID := correlationColumns(stored.Correlation)

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO outbox(id, client_id, recipient, message, status, not_before, idempotency_key,
			corr_kind, campaign_id, run_id, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT DO NOTHING`,
		stored.ID, stored.ClientID, stored.To, stored.Message, string(stored.Status),
		stored.NotBefore, nullStr(stored.IdempotencyKey),
		kind, campaignID, runID, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return outbox.Entry{}, false, fmt.Errorf("insert outbox entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return stored, true, nil
	}
	if stored.IdempotencyKey == "" {
		return outbox.Entry{}, false, errors.New("insert outbox entry: id conflict")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE client_id = $1 AND idempotency_key = $2`,
		stored.ClientID, stored.IdempotencyKey,
	)
	existing, err := scanPostgresEntry(row)
	if err != nil {
		return outbox.Entry{}, false, fmt.Errorf("load deduplicated entry: %w", err)
	}
	return existing, false, nil
}

func (s *postgresStore) Get(ctx context.Context, clientID, id string) (outbox.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE client_id = $1 AND id = $2`, clientID, id)
	e, err := scanPostgresEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return e, err
}

const postgresPausedFilter = `NOT EXISTS (SELECT 1 FROM campaign_runs r
	WHERE r.id = outbox.run_id AND r.client_id = outbox.client_id AND r.status = 'paused')`

func (s *postgresStore) ListDue(ctx context.Context, clientID string, now time.Time, limit int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE client_id = $1 AND status = 'pending' AND (not_before IS NULL OR not_before <= $2)
		   AND `+postgresPausedFilter+`
		 ORDER BY created_at, seq LIMIT $3`,
		clientID, now.UTC(), postgresLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]outbox.Entry, 0)
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) DueClients(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT client_id FROM outbox
		 WHERE status = 'pending' AND (not_before IS NULL OR not_before <= $1)
		   AND `+postgresPausedFilter+`
		 ORDER BY client_id LIMIT $2`,
		now.UTC(), postgresLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *postgresStore) Resolve(ctx context.Context, clientID, id string, status outbox.Status, meta outbox.DeliveryMeta) (bool, error) {
	if err := outbox.CheckResolution(status); err != nil {
		return false, err
	}
	b, err := encodeMeta(meta)
	if err != nil {
		return false, err
	}
	now := stamp(s.clock.Now())
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = $1, delivery_meta = $2, updated_at = $3, resolved_at = $3
		 WHERE client_id = $4 AND id = $5 AND status = 'pending'`,
		string(status), rawJSON(b), now, clientID, id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) CancelByCorrelation(ctx context.Context, clientID string, m outbox.Match, reason string) (int, error) {
	if m.Empty() {
		return 0, nil
	}
	b, err := encodeMeta(cancelMeta(reason))
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = 'failed', delivery_meta = $1, updated_at = $2, resolved_at = $2
		 WHERE client_id = $3 AND status = 'pending' AND corr_kind IS NOT NULL
		   AND ($4 = '' OR corr_kind = $4)
		   AND ($5 = '' OR campaign_id = $5)
		   AND ($6 = '' OR run_id = $6)`,
		rawJSON(b), stamp(s.clock.Now()), clientID, string(m.Kind), m.CampaignID, m.RunID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) CountByRun(ctx context.Context, clientID, runID string) (outbox.StatusCounts, error) {
	var c outbox.StatusCounts
	if runID == "" {
		return c, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM outbox WHERE client_id = $1 AND run_id = $2 GROUP BY status`,
		clientID, runID,
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.Add(outbox.Status(status), int(n))
	}
	return c, rows.Err()
}

// ---- campaign.RunStore ----

func (s *postgresStore) CreateRun(ctx context.Context, r campaign.Run) error {
	if r.ID == "" || r.ClientID == "" {
		return errors.New("run id and client id are required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO campaign_runs(`+runColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.ClientID, r.CampaignID, string(r.Kind), r.Profile, string(r.Status), r.TotalTargets,
		r.Enqueued, r.Skipped, r.Failed, r.Sent, stamp(r.CreatedAt),
		stampPtr(r.StartedAt), stampPtr(r.FinishedAt), nullStr(r.LastError),
	)
	return err
}

func (s *postgresStore) GetRun(ctx context.Context, clientID, runID string) (campaign.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM campaign_runs WHERE client_id = $1 AND id = $2`, clientID, runID)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Run{}, campaign.ErrRunNotFound
	}
	return r, err
}

func (s *postgresStore) ListRuns(ctx context.Context, clientID, campaignID string) ([]campaign.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM campaign_runs WHERE client_id = $1 AND campaign_id = $2
		 ORDER BY created_at, id`, clientID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]campaign.Run, 0)
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) TransitionRun(ctx context.Context, clientID, runID string, from []campaign.Status, to campaign.Status, lastError string, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaign_runs SET status = $1,
			last_error = COALESCE($2, last_error),
			started_at = CASE WHEN $3::boolean AND started_at IS NULL THEN $5 ELSE started_at END,
			finished_at = CASE WHEN $4::boolean THEN $5 ELSE finished_at END
		 WHERE client_id = $6 AND id = $7 AND status = ANY($8)`,
		string(to), nullStr(lastError), to == campaign.StatusSending, to.Terminal(), stamp(at),
		clientID, runID, fromStr,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetRun(ctx, clientID, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *postgresStore) IncrRunCounters(ctx context.Context, clientID, runID string, d campaign.Counters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaign_runs SET enqueued = enqueued + $1, skipped = skipped + $2,
			failed = failed + $3, sent = sent + $4
		 WHERE client_id = $5 AND id = $6`,
		d.Enqueued, d.Skipped, d.Failed, d.Sent, clientID, runID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return campaign.ErrRunNotFound
	}
	return nil
}

// ---- scanning ----

func scanPostgresEntry(row rowScanner) (outbox.Entry, error) {
	var (
		e                     outbox.Entry
		status                string
		key, kind, campaignID *string
		runID                 *string
		meta                  []byte
	)
	if err := row.Scan(&e.ID, &e.ClientID, &e.To, &e.Message, &status, &e.NotBefore, &key,
		&kind, &campaignID, &runID, &meta, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt); err != nil {
		return outbox.Entry{}, err
	}
	e.Status = outbox.Status(status)
	e.IdempotencyKey = deref(key)
	e.Correlation = buildCorrelation(deref(kind), deref(campaignID), deref(runID))
	e.DeliveryMeta = decodeMeta(meta)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.NotBefore = stampPtr(e.NotBefore)
	e.ResolvedAt = stampPtr(e.ResolvedAt)
	return e, nil
}

func scanPostgresRun(row rowScanner) (campaign.Run, error) {
	var (
		r            campaign.Run
		kind, status string
		lastError    *string
	)
	if err := row.Scan(&r.ID, &r.ClientID, &r.CampaignID, &kind, &r.Profile, &status, &r.TotalTargets,
		&r.Enqueued, &r.Skipped, &r.Failed, &r.Sent, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &lastError); err != nil {
		return campaign.Run{}, err
	}
	r.Kind = campaign.Kind(kind)
	r.Status = campaign.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.StartedAt = stampPtr(r.StartedAt)
	r.FinishedAt = stampPtr(r.FinishedAt)
	r.LastError = deref(lastError)
	return r, nil
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func postgresLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
