package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"wadispatch/internal/campaign"
	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

//go:embed migrations.sql migrations_postgres.sql
var migrationsFS embed.FS

// sqliteStore keeps timestamps as unix milliseconds and breaks CreatedAt ties by rowid.
type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	clock clockwork.Clock
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; every CAS below is one statement on this conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, clock: cfg.Clock}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, client_id, actor, action, target, ok, fail, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ClientID, nullStr(e.Actor), e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

// ---- outbox.Store ----

func (s *sqliteStore) Enqueue(ctx context.Context, e outbox.Entry) (outbox.Entry, bool, error) {
	if err := e.Validate(); err != nil {
		return outbox.Entry{}, false, err
	}
	stored := prepareEntry(e, uuid.NewString(), stamp(s.clock.Now()))
	kind, campaignID, runID := correlationColumns(stored.Correlation)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox(id, client_id, recipient, message, status, not_before, idempotency_key,
			corr_kind, campaign_id, run_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		stored.ID, stored.ClientID, stored.To, stored.Message, string(stored.Status),
		millisPtr(stored.NotBefore), nullStr(stored.IdempotencyKey),
		kind, campaignID, runID, stored.CreatedAt.UnixMilli(), stored.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return outbox.Entry{}, false, fmt.Errorf("insert outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return outbox.Entry{}, false, err
	}
	if n == 1 {
		return stored, true, nil
	}
	if stored.IdempotencyKey == "" {
		return outbox.Entry{}, false, errors.New("insert outbox entry: id conflict")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE client_id = ? AND idempotency_key = ?`,
		stored.ClientID, stored.IdempotencyKey,
	)
	existing, err := scanSQLiteEntry(row)
	if err != nil {
		return outbox.Entry{}, false, fmt.Errorf("load deduplicated entry: %w", err)
	}
	return existing, false, nil
}

func (s *sqliteStore) Get(ctx context.Context, clientID, id string) (outbox.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE client_id = ? AND id = ?`, clientID, id)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return e, err
}

const sqliteDueFilter = `status = 'pending' AND (not_before IS NULL OR not_before <= ?)
	AND NOT EXISTS (SELECT 1 FROM campaign_runs r
		WHERE r.id = outbox.run_id AND r.client_id = outbox.client_id AND r.status = 'paused')`

func (s *sqliteStore) ListDue(ctx context.Context, clientID string, now time.Time, limit int) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE client_id = ? AND `+sqliteDueFilter+`
		 ORDER BY created_at, rowid LIMIT ?`,
		clientID, now.UnixMilli(), sqliteLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]outbox.Entry, 0)
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueClients(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT client_id FROM outbox WHERE `+sqliteDueFilter+`
		 ORDER BY client_id LIMIT ?`,
		now.UnixMilli(), sqliteLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Resolve(ctx context.Context, clientID, id string, status outbox.Status, meta outbox.DeliveryMeta) (bool, error) {
	if err := outbox.CheckResolution(status); err != nil {
		return false, err
	}
	b, err := encodeMeta(meta)
	if err != nil {
		return false, err
	}
	now := stamp(s.clock.Now()).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, delivery_meta = ?, updated_at = ?, resolved_at = ?
		 WHERE client_id = ? AND id = ? AND status = 'pending'`,
		string(status), nullBytes(b), now, now, clientID, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CancelByCorrelation(ctx context.Context, clientID string, m outbox.Match, reason string) (int, error) {
	if m.Empty() {
		return 0, nil
	}
	b, err := encodeMeta(cancelMeta(reason))
	if err != nil {
		return 0, err
	}
	now := stamp(s.clock.Now()).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'failed', delivery_meta = ?, updated_at = ?, resolved_at = ?
		 WHERE client_id = ? AND status = 'pending' AND corr_kind IS NOT NULL
		   AND (? = '' OR corr_kind = ?)
		   AND (? = '' OR campaign_id = ?)
		   AND (? = '' OR run_id = ?)`,
		string(b), now, now, clientID,
		string(m.Kind), string(m.Kind),
		m.CampaignID, m.CampaignID,
		m.RunID, m.RunID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) CountByRun(ctx context.Context, clientID, runID string) (outbox.StatusCounts, error) {
	var c outbox.StatusCounts
	if runID == "" {
		return c, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox WHERE client_id = ? AND run_id = ? GROUP BY status`,
		clientID, runID,
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.Add(outbox.Status(status), n)
	}
	return c, rows.Err()
}

// ---- campaign.RunStore ----

func (s *sqliteStore) CreateRun(ctx context.Context, r campaign.Run) error {
	if r.ID == "" || r.ClientID == "" {
		return errors.New("run id and client id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_runs(`+runColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ClientID, r.CampaignID, string(r.Kind), r.Profile, string(r.Status), r.TotalTargets,
		r.Enqueued, r.Skipped, r.Failed, r.Sent, stamp(r.CreatedAt).UnixMilli(),
		millisPtr(r.StartedAt), millisPtr(r.FinishedAt), nullStr(r.LastError),
	)
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, clientID, runID string) (campaign.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM campaign_runs WHERE client_id = ? AND id = ?`, clientID, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Run{}, campaign.ErrRunNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, clientID, campaignID string) ([]campaign.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM campaign_runs WHERE client_id = ? AND campaign_id = ?
		 ORDER BY created_at, rowid`, clientID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]campaign.Run, 0)
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionRun(ctx context.Context, clientID, runID string, from []campaign.Status, to campaign.Status, lastError string, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	ms := stamp(at).UnixMilli()
	args := []any{
		string(to), nullStr(lastError),
		boolInt(to == campaign.StatusSending), ms,
		boolInt(to.Terminal()), ms,
		clientID, runID,
	}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_runs SET status = ?,
			last_error = COALESCE(?, last_error),
			started_at = CASE WHEN ? = 1 AND started_at IS NULL THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? = 1 THEN ? ELSE finished_at END
		 WHERE client_id = ? AND id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetRun(ctx, clientID, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) IncrRunCounters(ctx context.Context, clientID, runID string, d campaign.Counters) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_runs SET enqueued = enqueued + ?, skipped = skipped + ?,
			failed = failed + ?, sent = sent + ?
		 WHERE client_id = ? AND id = ?`,
		d.Enqueued, d.Skipped, d.Failed, d.Sent, clientID, runID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return campaign.ErrRunNotFound
	}
	return nil
}

// ---- scanning ----

func scanSQLiteEntry(row rowScanner) (outbox.Entry, error) {
	var (
		e                     outbox.Entry
		status                string
		notBefore, resolvedAt sql.NullInt64
		key, kind, campaignID sql.NullString
		runID, meta           sql.NullString
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&e.ID, &e.ClientID, &e.To, &e.Message, &status, &notBefore, &key,
		&kind, &campaignID, &runID, &meta, &createdAt, &updatedAt, &resolvedAt); err != nil {
		return outbox.Entry{}, err
	}
	e.Status = outbox.Status(status)
	e.NotBefore = fromMillis(notBefore)
	e.IdempotencyKey = key.String
	e.Correlation = buildCorrelation(kind.String, campaignID.String, runID.String)
	if meta.Valid {
		e.DeliveryMeta = decodeMeta([]byte(meta.String))
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	e.ResolvedAt = fromMillis(resolvedAt)
	return e, nil
}

func scanSQLiteRun(row rowScanner) (campaign.Run, error) {
	var (
		r                   campaign.Run
		kind, status        string
		createdAt           int64
		startedAt, finished sql.NullInt64
		lastError           sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ClientID, &r.CampaignID, &kind, &r.Profile, &status, &r.TotalTargets,
		&r.Enqueued, &r.Skipped, &r.Failed, &r.Sent, &createdAt, &startedAt, &finished, &lastError); err != nil {
		return campaign.Run{}, err
	}
	r.Kind = campaign.Kind(kind)
	r.Status = campaign.Status(status)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.StartedAt = fromMillis(startedAt)
	r.FinishedAt = fromMillis(finished)
	r.LastError = lastError.String
	return r, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t).UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
