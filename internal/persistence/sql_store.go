package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/petrijr/drip/pkg/api"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements every store interface on a database/sql handle.
// SQLite and PostgreSQL share the schema; only placeholders, blob and
// sequence types differ.
//
// Catalog entries are stored as JSON. Instances, trait values and events
// are stored as msgpack blobs next to the columns used for querying.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ CatalogStore    = (*SQLStore)(nil)
	_ InstanceStore   = (*SQLStore)(nil)
	_ TraitStore      = (*SQLStore)(nil)
	_ EventLog        = (*SQLStore)(nil)
	_ LedgerStore     = (*SQLStore)(nil)
	_ AssignmentStore = (*SQLStore)(nil)
	_ LockStore       = (*SQLStore)(nil)
	_ HistoryStore    = (*SQLStore)(nil)
)

// OpenSQLite opens (creating if needed) a SQLite database at path using
// the pure-Go modernc.org/sqlite driver.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:"
	// databases consistent across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLite initializes the schema on a SQLite database and returns a
// store for it.
func NewSQLite(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, DialectSQLite)
}

// NewPostgres initializes the schema on a PostgreSQL database and returns
// a store for it.
func NewPostgres(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, DialectPostgres)
}

func newSQLStore(db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d, err)
	}
	return s, nil
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// SetNow overrides the wall clock used for lock expiry.
func (s *SQLStore) SetNow(now func() time.Time) { s.now = now }

func (s *SQLStore) initSchema() error {
	blob, serial := "BLOB", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		blob, serial = "BYTEA", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS instances_live_pair
			ON instances (campaign_id, customer_id)
			WHERE status IN ('ACTIVE', 'WAITING')`,
		`CREATE INDEX IF NOT EXISTS instances_pair ON instances (campaign_id, customer_id)`,
		`CREATE TABLE IF NOT EXISTS traits (
			customer_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value ` + blob + ` NOT NULL,
			as_of BIGINT NOT NULL,
			PRIMARY KEY (customer_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq ` + serial + `,
			event_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS events_id ON events (event_id) WHERE event_id <> ''`,
		`CREATE INDEX IF NOT EXISTS events_customer ON events (customer_id, ts)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			token TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			message_id TEXT NOT NULL,
			at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			label TEXT NOT NULL,
			PRIMARY KEY (instance_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			seq ` + serial + `,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			step TEXT NOT NULL,
			detail TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS history_instance ON history (instance_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, x execer, query string, args ...any) (sql.Result, error) {
	return x.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, x execer, query string, args ...any) *sql.Row {
	return x.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Catalog.

func (s *SQLStore) saveVersioned(ctx context.Context, table, id string, version int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO `+table+` (id, version, body) VALUES (?, ?, ?)`, id, version, string(body))
	if isUniqueViolation(err) {
		return ErrVersionExists
	}
	return err
}

func (s *SQLStore) getVersioned(ctx context.Context, table, id string, version int, notFound error, out any) error {
	var body string
	err := s.queryRow(ctx, s.db, `SELECT body FROM `+table+` WHERE id = ? AND version = ?`, id, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), out)
}

func (s *SQLStore) latestVersion(ctx context.Context, table, id string) (int, error) {
	var v sql.NullInt64
	if err := s.queryRow(ctx, s.db, `SELECT MAX(version) FROM `+table+` WHERE id = ?`, id).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (s *SQLStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	return s.saveVersioned(ctx, "definitions", def.ID, def.Version, def)
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	err := s.getVersioned(ctx, "definitions", id, version, ErrDefinitionNotFound, &def)
	return def, err
}

func (s *SQLStore) LatestDefinitionVersion(ctx context.Context, id string) (int, error) {
	return s.latestVersion(ctx, "definitions", id)
}

func (s *SQLStore) SaveSegment(ctx context.Context, seg api.Segment) error {
	return s.saveVersioned(ctx, "segments", seg.ID, seg.Version, seg)
}

func (s *SQLStore) GetSegment(ctx context.Context, id string, version int) (api.Segment, error) {
	var seg api.Segment
	err := s.getVersioned(ctx, "segments", id, version, ErrSegmentNotFound, &seg)
	return seg, err
}

func (s *SQLStore) LatestSegmentVersion(ctx context.Context, id string) (int, error) {
	return s.latestVersion(ctx, "segments", id)
}

func (s *SQLStore) SaveCampaign(ctx context.Context, c *api.Campaign) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO campaigns (id, created_at, body) VALUES (?, ?, ?)`, c.ID, nanos(c.CreatedAt), string(body))
	if isUniqueViolation(err) {
		return ErrVersionExists
	}
	return err
}

func (s *SQLStore) UpdateCampaign(ctx context.Context, c *api.Campaign) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `UPDATE campaigns SET body = ? WHERE id = ?`, string(body), c.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (s *SQLStore) GetCampaign(ctx context.Context, id string) (*api.Campaign, error) {
	var body string
	err := s.queryRow(ctx, s.db, `SELECT body FROM campaigns WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	var c api.Campaign
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListCampaigns(ctx context.Context) ([]*api.Campaign, error) {
	rows, err := s.query(ctx, `SELECT body FROM campaigns ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*api.Campaign
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c api.Campaign
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Instances.

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	body, err := EncodeValue(inst)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO instances (id, campaign_id, customer_id, status, deliveries, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CampaignID, inst.CustomerID, string(inst.Status), inst.Deliveries, nanos(inst.CreatedAt), body,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateInstance
	}
	return err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	body, err := EncodeValue(inst)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `
		UPDATE instances SET status = ?, deliveries = ?, body = ?
		WHERE id = ?`,
		string(inst.Status), inst.Deliveries, body, inst.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func decodeInstance(body []byte) (*api.WorkflowInstance, error) {
	inst, err := DecodeValue[api.WorkflowInstance](body)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var body []byte
	err := s.queryRow(ctx, s.db, `SELECT body FROM instances WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(body)
}

func (s *SQLStore) FindLive(ctx context.Context, campaignID, customerID string) (*api.WorkflowInstance, error) {
	var body []byte
	err := s.queryRow(ctx, s.db, `
		SELECT body FROM instances
		WHERE campaign_id = ? AND customer_id = ? AND status IN ('ACTIVE', 'WAITING')`,
		campaignID, customerID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(body)
}

func (s *SQLStore) HasInstance(ctx context.Context, campaignID, customerID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM instances WHERE campaign_id = ? AND customer_id = ?`, campaignID, customerID).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	q := `SELECT body FROM instances WHERE 1 = 1`
	var args []any
	if filter.CampaignID != "" {
		q += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.CustomerID != "" {
		q += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Live {
		q += ` AND status IN ('ACTIVE', 'WAITING')`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*api.WorkflowInstance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) Summarize(ctx context.Context, campaignID string) (InstanceSummary, error) {
	sum := InstanceSummary{ByStatus: make(map[api.Status]int)}
	rows, err := s.query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(deliveries), 0)
		FROM instances WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status     string
			n, deliver int64
		)
		if err := rows.Scan(&status, &n, &deliver); err != nil {
			return sum, err
		}
		sum.ByStatus[api.Status(status)] = int(n)
		sum.Deliveries += int(deliver)
	}
	return sum, rows.Err()
}

// Traits.

func (s *SQLStore) UpsertTraits(ctx context.Context, customerID string, values map[string]api.Value, asOf time.Time) (UpsertResult, error) {
	var res UpsertResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	ts := asOf.UnixNano()
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		blob, err := EncodeValue(values[name])
		if err != nil {
			return UpsertResult{}, err
		}
		r, err := s.exec(ctx, tx, `
			INSERT INTO traits (customer_id, name, value, as_of) VALUES (?, ?, ?, ?)
			ON CONFLICT (customer_id, name) DO UPDATE
			SET value = excluded.value, as_of = excluded.as_of
			WHERE traits.as_of <= excluded.as_of`,
			customerID, name, blob, ts,
		)
		if err != nil {
			return UpsertResult{}, err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return UpsertResult{}, err
		}
		if n == 0 {
			res.Stale = append(res.Stale, name)
		} else {
			res.Applied = append(res.Applied, name)
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *SQLStore) GetTraits(ctx context.Context, customerID string) (api.Snapshot, error) {
	snap := api.Snapshot{CustomerID: customerID, Traits: make(map[string]api.Trait)}
	rows, err := s.query(ctx, `SELECT name, value, as_of FROM traits WHERE customer_id = ?`, customerID)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			blob []byte
			ts   int64
		)
		if err := rows.Scan(&name, &blob, &ts); err != nil {
			return snap, err
		}
		v, err := DecodeValue[api.Value](blob)
		if err != nil {
			return snap, fmt.Errorf("decode trait %s: %w", name, err)
		}
		t := api.Trait{Name: name, Value: v, AsOf: fromNanos(ts)}
		snap.Traits[name] = t
		if t.AsOf.After(snap.AsOf) {
			snap.AsOf = t.AsOf
		}
	}
	return snap, rows.Err()
}

func (s *SQLStore) ListCustomers(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT customer_id FROM traits
		UNION
		SELECT customer_id FROM events
		ORDER BY customer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Events.

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO events (event_id, customer_id, ts, body) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ev.ID, ev.CustomerID, ev.Timestamp.UnixNano(), body,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, customerID string) ([]api.Event, error) {
	rows, err := s.query(ctx, `SELECT body FROM events WHERE customer_id = ? ORDER BY ts, seq`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		ev, err := DecodeValue[api.Event](body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ledger.

func (s *SQLStore) LookupDelivery(ctx context.Context, token string) (api.DeliveryResult, bool, error) {
	var (
		res api.DeliveryResult
		st  string
		at  int64
	)
	err := s.queryRow(ctx, s.db, `SELECT status, reason, message_id, at FROM deliveries WHERE token = ?`, token).
		Scan(&st, &res.Reason, &res.MessageID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return api.DeliveryResult{}, false, nil
	}
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	res.Status = api.DeliveryStatus(st)
	res.At = fromNanos(at)
	return res, true, nil
}

func (s *SQLStore) RecordDelivery(ctx context.Context, token string, res api.DeliveryResult) (api.DeliveryResult, bool, error) {
	r, err := s.exec(ctx, s.db, `
		INSERT INTO deliveries (token, status, reason, message_id, at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO NOTHING`,
		token, string(res.Status), res.Reason, res.MessageID, nanos(res.At),
	)
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	if n, err := r.RowsAffected(); err != nil {
		return api.DeliveryResult{}, false, err
	} else if n == 1 {
		return res, true, nil
	}
	stored, _, err := s.LookupDelivery(ctx, token)
	return stored, false, err
}

// Assignments.

func (s *SQLStore) GetAssignment(ctx context.Context, instanceID, stepID string) (string, bool, error) {
	var label string
	err := s.queryRow(ctx, s.db, `SELECT label FROM assignments WHERE instance_id = ? AND step_id = ?`, instanceID, stepID).Scan(&label)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return label, true, nil
}

func (s *SQLStore) SaveAssignment(ctx context.Context, instanceID, stepID, label string) (string, error) {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO assignments (instance_id, step_id, label) VALUES (?, ?, ?)
		ON CONFLICT (instance_id, step_id) DO NOTHING`,
		instanceID, stepID, label,
	)
	if err != nil {
		return "", err
	}
	stored, _, err := s.GetAssignment(ctx, instanceID, stepID)
	return stored, err
}

// Locks.

func (s *SQLStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := s.now()
	res, err := s.exec(ctx, s.db, `
		INSERT INTO locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.owner = excluded.owner OR locks.expires_at <= ?`,
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM locks WHERE lock_key = ? AND owner = ?`, key, owner)
	return err
}

// History.

func (s *SQLStore) AppendHistory(ctx context.Context, ev api.HistoryEvent) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO history (instance_id, at, type, step, detail) VALUES (?, ?, ?, ?, ?)`,
		ev.InstanceID, nanos(ev.At), string(ev.Type), ev.Step, ev.Detail,
	)
	return err
}

func (s *SQLStore) ListHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.query(ctx, `SELECT at, type, step, detail FROM history WHERE instance_id = ? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev  = api.HistoryEvent{InstanceID: instanceID}
			at  int64
			typ string
		)
		if err := rows.Scan(&at, &typ, &ev.Step, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = fromNanos(at)
		ev.Type = api.HistoryType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
