package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"wadispatch/internal/campaign"
	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// fileStore is the flat-file fallback backend.
//
// Files:
//   - <prefix>.lock           (exclusive flock held for the store lifetime)
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot of entries and runs)
//   - <prefix>.journal.jsonl  (append-only journal of upserts since the snapshot)
//
// The flock makes the opening process the single writer. Inside the process every
// read-modify-write runs under mu, and each mutation is journaled before it is applied
// in memory, so a compare-and-swap is atomic for every reader of this store.
type fileStore struct {
	log   logx.Logger
	clock clockwork.Clock

	mu sync.Mutex

	lock         *fileLock
	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	seq     int64
	entries map[string]*fileEntry
	byKey   map[string]string // client\x00key -> entry id
	runs    map[string]campaign.Run

	writes       int
	compactEvery int
	retention    time.Duration
}

// fileEntry carries the insertion sequence used to break CreatedAt ties.
type fileEntry struct {
	Seq int64 `json:"seq"`
	outbox.Entry
}

type journalRecord struct {
	Entry *fileEntry    `json:"entry,omitempty"`
	Run   *campaign.Run `json:"run,omitempty"`
}

type fileSnapshot struct {
	Seq     int64          `json:"seq"`
	Entries []*fileEntry   `json:"entries"`
	Runs    []campaign.Run `json:"runs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lock, err := acquireFileLock(prefix + ".lock")
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		clock:        cfg.Clock,
		lock:         lock,
		snapshotPath: prefix + ".snapshot.json",
		entries:      map[string]*fileEntry{},
		byKey:        map[string]string{},
		runs:         map[string]campaign.Run{},
		compactEvery: cfg.CompactEvery,
		retention:    cfg.Retention,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 1000
	}

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.release()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.release()
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lock.release()
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		_ = lock.release()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf

	// Fold the replayed journal into a fresh snapshot so a torn tail line is never
	// followed by new appends.
	if err := s.compactLocked(); err != nil {
		_ = jf.Close()
		_ = af.Close()
		_ = lock.release()
		return nil, fmt.Errorf("compact on open: %w", err)
	}

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("entries", len(s.entries)),
		logx.Int("runs", len(s.runs)),
		logx.Int("replayed", replayed),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.lock != nil {
		errs = append(errs, s.lock.release())
		s.lock = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = stamp(s.clock.Now())
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// ---- outbox.Store ----

func (s *fileStore) Enqueue(ctx context.Context, e outbox.Entry) (outbox.Entry, bool, error) {
	_ = ctx
	if err := e.Validate(); err != nil {
		return outbox.Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return outbox.Entry{}, false, ErrClosed
	}

	key := strings.TrimSpace(e.IdempotencyKey)
	if key != "" {
		if id, ok := s.byKey[idemKey(e.ClientID, key)]; ok {
			if cur, ok := s.entries[id]; ok {
				return cur.Entry, false, nil
			}
		}
	}

	fe := &fileEntry{Seq: s.seq + 1, Entry: prepareEntry(e, uuid.NewString(), stamp(s.clock.Now()))}
	if err := s.commitLocked(journalRecord{Entry: fe}); err != nil {
		return outbox.Entry{}, false, err
	}
	return fe.Entry, true, nil
}

func (s *fileStore) Get(ctx context.Context, clientID, id string) (outbox.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	fe, ok := s.entries[id]
	if !ok || fe.ClientID != clientID {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return fe.Entry, nil
}

func (s *fileStore) ListDue(ctx context.Context, clientID string, now time.Time, limit int) ([]outbox.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*fileEntry, 0)
	for _, fe := range s.entries {
		if fe.ClientID == clientID && s.dueLocked(fe, now) {
			due = append(due, fe)
		}
	}
	sortEntries(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]outbox.Entry, len(due))
	for i, fe := range due {
		out[i] = fe.Entry
	}
	return out, nil
}

func (s *fileStore) DueClients(ctx context.Context, now time.Time, limit int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]struct{}{}
	for _, fe := range s.entries {
		if s.dueLocked(fe, now) {
			seen[fe.ClientID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Resolve(ctx context.Context, clientID, id string, status outbox.Status, meta outbox.DeliveryMeta) (bool, error) {
	_ = ctx
	if err := outbox.CheckResolution(status); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	fe, ok := s.entries[id]
	if !ok || fe.ClientID != clientID || fe.Status != outbox.StatusPending {
		return false, nil
	}
	next := resolvedCopy(fe, status, meta, stamp(s.clock.Now()))
	if err := s.commitLocked(journalRecord{Entry: next}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) CancelByCorrelation(ctx context.Context, clientID string, m outbox.Match, reason string) (int, error) {
	_ = ctx
	if m.Empty() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}

	targets := make([]*fileEntry, 0)
	for _, fe := range s.entries {
		if fe.ClientID == clientID && fe.Status == outbox.StatusPending && m.Matches(fe.Correlation) {
			targets = append(targets, fe)
		}
	}
	sortEntries(targets)

	now := stamp(s.clock.Now())
	n := 0
	for _, fe := range targets {
		next := resolvedCopy(fe, outbox.StatusFailed, cancelMeta(reason), now)
		if err := s.commitLocked(journalRecord{Entry: next}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *fileStore) CountByRun(ctx context.Context, clientID, runID string) (outbox.StatusCounts, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var c outbox.StatusCounts
	if runID == "" {
		return c, nil
	}
	for _, fe := range s.entries {
		if fe.ClientID == clientID && fe.RunID() == runID {
			c.Add(fe.Status, 1)
		}
	}
	return c, nil
}

// ---- campaign.RunStore ----

func (s *fileStore) CreateRun(ctx context.Context, r campaign.Run) error {
	_ = ctx
	if r.ID == "" || r.ClientID == "" {
		return errors.New("run id and client id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	r.CreatedAt = stamp(r.CreatedAt)
	return s.commitLocked(journalRecord{Run: &r})
}

func (s *fileStore) GetRun(ctx context.Context, clientID, runID string) (campaign.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.ClientID != clientID {
		return campaign.Run{}, campaign.ErrRunNotFound
	}
	return r, nil
}

func (s *fileStore) ListRuns(ctx context.Context, clientID, campaignID string) ([]campaign.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]campaign.Run, 0)
	for _, r := range s.runs {
		if r.ClientID == clientID && r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) TransitionRun(ctx context.Context, clientID, runID string, from []campaign.Status, to campaign.Status, lastError string, at time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	r, ok := s.runs[runID]
	if !ok || r.ClientID != clientID {
		return false, campaign.ErrRunNotFound
	}
	if !containsStatus(from, r.Status) {
		return false, nil
	}
	applyTransition(&r, to, lastError, stamp(at))
	if err := s.commitLocked(journalRecord{Run: &r}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) IncrRunCounters(ctx context.Context, clientID, runID string, d campaign.Counters) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	r, ok := s.runs[runID]
	if !ok || r.ClientID != clientID {
		return campaign.ErrRunNotFound
	}
	r.Enqueued += d.Enqueued
	r.Skipped += d.Skipped
	r.Failed += d.Failed
	r.Sent += d.Sent
	return s.commitLocked(journalRecord{Run: &r})
}

// ---- internals ----

func (s *fileStore) dueLocked(fe *fileEntry, now time.Time) bool {
	if !fe.Due(now) {
		return false
	}
	if runID := fe.RunID(); runID != "" {
		if r, ok := s.runs[runID]; ok && r.ClientID == fe.ClientID && r.Status == campaign.StatusPaused {
			return false
		}
	}
	return true
}

func (s *fileStore) applyEntry(fe *fileEntry) {
	s.entries[fe.ID] = fe
	if fe.Seq > s.seq {
		s.seq = fe.Seq
	}
	if fe.IdempotencyKey != "" {
		s.byKey[idemKey(fe.ClientID, fe.IdempotencyKey)] = fe.ID
	}
}

// commitLocked journals rec, then applies it in memory. Compaction runs only after the
// apply so the snapshot always contains the journaled record.
func (s *fileStore) commitLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if rec.Entry != nil {
		s.applyEntry(rec.Entry)
	}
	if rec.Run != nil {
		s.runs[rec.Run.ID] = *rec.Run
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

// pruneLocked forgets resolved entries and terminal runs that finished before the
// retention window. A pruned entry's idempotency key becomes free again.
func (s *fileStore) pruneLocked(now time.Time) (entries, runs int) {
	if s.retention <= 0 {
		return 0, 0
	}
	cutoff := now.Add(-s.retention)
	for id, fe := range s.entries {
		if fe.Status == outbox.StatusPending || fe.ResolvedAt == nil || !fe.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(s.entries, id)
		if key := strings.TrimSpace(fe.IdempotencyKey); key != "" {
			k := idemKey(fe.ClientID, key)
			if s.byKey[k] == id {
				delete(s.byKey, k)
			}
		}
		entries++
	}
	for id, r := range s.runs {
		if r.Status.Terminal() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			runs++
		}
	}
	return entries, runs
}

func (s *fileStore) compactLocked() error {
	if pe, pr := s.pruneLocked(s.clock.Now()); pe+pr > 0 {
		s.log.Debug("file store pruned", logx.Int("entries", pe), logx.Int("runs", pr))
	}
	snap := fileSnapshot{Seq: s.seq, Entries: make([]*fileEntry, 0, len(s.entries)), Runs: make([]campaign.Run, 0, len(s.runs))}
	for _, fe := range s.entries {
		snap.Entries = append(snap.Entries, fe)
	}
	sortEntries(snap.Entries)
	for _, r := range s.runs {
		snap.Runs = append(snap.Runs, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.seq = snap.Seq
	for _, fe := range snap.Entries {
		if fe != nil && fe.ID != "" {
			s.applyEntry(fe)
		}
	}
	for _, r := range snap.Runs {
		if r.ID != "" {
			s.runs[r.ID] = r
		}
	}
	return nil
}

func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// torn tail write
			continue
		}
		if rec.Entry != nil && rec.Entry.ID != "" {
			s.applyEntry(rec.Entry)
			n++
		}
		if rec.Run != nil && rec.Run.ID != "" {
			s.runs[rec.Run.ID] = *rec.Run
			n++
		}
	}
	return n, sc.Err()
}

func resolvedCopy(fe *fileEntry, status outbox.Status, meta outbox.DeliveryMeta, now time.Time) *fileEntry {
	next := *fe
	next.Status = status
	next.DeliveryMeta = meta
	next.UpdatedAt = now
	next.ResolvedAt = &now
	return &next
}

func applyTransition(r *campaign.Run, to campaign.Status, lastError string, at time.Time) {
	r.Status = to
	if lastError != "" {
		r.LastError = lastError
	}
	if to == campaign.StatusSending && r.StartedAt == nil {
		r.StartedAt = &at
	}
	if to.Terminal() {
		r.FinishedAt = &at
	}
}

func sortEntries(list []*fileEntry) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].Seq < list[j].Seq
	})
}

func idemKey(clientID, key string) string { return clientID + "\x00" + key }
