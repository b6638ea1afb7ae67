package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/postgres"
	"github.com/lib/pq"
)

const entityColumns = `id, source, source_id, name, entity_kind, status, title, reference_number,
	content_fingerprint, listing_program, listing_date, remarks, first_seen_at, last_updated_at`

const runColumns = `id, source, trigger_type, started_at, finished_at, status,
	records_added, records_updated, records_deleted, feed_fingerprint, error_summary`

// Postgres stores entities and runs in PostgreSQL through lib/pq.
type Postgres struct {
	client *postgres.Client
	logger *slog.Logger
}

func NewPostgres(client *postgres.Client) *Postgres {
	return &Postgres{
		client: client,
		logger: slog.Default().With("component", "postgres-store"),
	}
}

// migrationLock serializes schema migration across service instances.
const migrationLock int64 = 0x5a4e4354

// Migrate creates every table and index that does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	err := p.client.InLockedTx(ctx, migrationLock, func(tx *sql.Tx) error {
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	p.logger.Info("schema migrated", "statements", len(schema))
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

// unavailable wraps errors that did not come from the server's statement
// processing, such as broken connections.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) || errors.Is(err, sql.ErrNoRows) || IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
}

func (p *Postgres) Begin(ctx context.Context) (Batch, error) {
	tx, err := p.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning batch: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &pgBatch{tx: tx}, nil
}

type pgBatch struct {
	tx *sql.Tx
}

// Apply wraps fn in a savepoint so a failed statement does not abort the
// surrounding transaction.
func (b *pgBatch) Apply(ctx context.Context, fn func(w Writer) error) error {
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT record"); err != nil {
		return fmt.Errorf("%w: savepoint: %v", apperrors.ErrStoreUnavailable, err)
	}
	if err := fn(&pgWriter{tx: b.tx}); err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT record"); rbErr != nil {
			return fmt.Errorf("%w: rolling back record after %v: %v", apperrors.ErrStoreUnavailable, err, rbErr)
		}
		return err
	}
	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT record"); err != nil {
		return fmt.Errorf("%w: release savepoint: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *pgBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing batch: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *pgBatch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back batch: %w", err)
	}
	return nil
}

type pgWriter struct {
	tx *sql.Tx
}

func (w *pgWriter) FindEntity(ctx context.Context, source sanctions.Source, sourceID string) (*sanctions.Entity, error) {
	row := w.tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE source = $1 AND source_id = $2`,
		string(source), sourceID,
	)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("finding entity %s/%s: %w", source, sourceID, err))
	}
	return e, nil
}

func (w *pgWriter) InsertEntity(ctx context.Context, e *sanctions.Entity) (int64, error) {
	var id int64
	err := w.tx.QueryRowContext(ctx,
		`INSERT INTO entities (source, source_id, name, entity_kind, status, title, reference_number,
			content_fingerprint, listing_program, listing_date, remarks, first_seen_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		string(e.Source), e.SourceID, e.Name, string(e.Kind), string(e.Status), e.Title, e.ReferenceNumber,
		e.ContentFingerprint, e.ListingProgram, nullTime(e.ListingDate), e.Remarks, e.FirstSeenAt, e.LastUpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, unavailable(fmt.Errorf("inserting entity %s/%s: %w", e.Source, e.SourceID, err))
	}
	return id, nil
}

func (w *pgWriter) UpdateEntity(ctx context.Context, e *sanctions.Entity) error {
	res, err := w.tx.ExecContext(ctx,
		`UPDATE entities SET name = $2, entity_kind = $3, status = $4, title = $5, reference_number = $6,
			content_fingerprint = $7, listing_program = $8, listing_date = $9, remarks = $10, last_updated_at = $11
		WHERE id = $1`,
		e.ID, e.Name, string(e.Kind), string(e.Status), e.Title, e.ReferenceNumber,
		e.ContentFingerprint, e.ListingProgram, nullTime(e.ListingDate), e.Remarks, e.LastUpdatedAt,
	)
	if err != nil {
		return unavailable(fmt.Errorf("updating entity %d: %w", e.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", apperrors.ErrEntityNotFound, e.ID)
	}
	return nil
}

var childTables = []string{"aliases", "addresses", "documents", "nationalities", "births", "sanctions"}

func (w *pgWriter) ReplaceChildren(ctx context.Context, entityID int64, c sanctions.Children) error {
	for _, table := range childTables {
		if _, err := w.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_id = $1`, entityID); err != nil {
			return unavailable(fmt.Errorf("clearing %s for entity %d: %w", table, entityID, err))
		}
	}
	for i, a := range c.Aliases {
		if err := w.exec(ctx, "aliases",
			`INSERT INTO aliases (entity_id, ord, name, quality) VALUES ($1, $2, $3, $4)`,
			entityID, i, a.Name, a.Quality); err != nil {
			return err
		}
	}
	for i, a := range c.Addresses {
		if err := w.exec(ctx, "addresses",
			`INSERT INTO addresses (entity_id, ord, full_text, country) VALUES ($1, $2, $3, $4)`,
			entityID, i, a.FullText, a.Country); err != nil {
			return err
		}
	}
	for i, d := range c.Documents {
		if err := w.exec(ctx, "documents",
			`INSERT INTO documents (entity_id, ord, doc_type, number, issuer) VALUES ($1, $2, $3, $4, $5)`,
			entityID, i, d.Type, d.Number, d.Issuer); err != nil {
			return err
		}
	}
	for i, n := range c.Nationalities {
		if err := w.exec(ctx, "nationalities",
			`INSERT INTO nationalities (entity_id, ord, country) VALUES ($1, $2, $3)`,
			entityID, i, n); err != nil {
			return err
		}
	}
	for i, b := range c.Births {
		if err := w.exec(ctx, "births",
			`INSERT INTO births (entity_id, ord, date_text, place_text, birth_date) VALUES ($1, $2, $3, $4, $5)`,
			entityID, i, b.DateText, b.PlaceText, nullTime(b.Date)); err != nil {
			return err
		}
	}
	for i, s := range c.Sanctions {
		if err := w.exec(ctx, "sanctions",
			`INSERT INTO sanctions (entity_id, ord, program, authority, listing_date) VALUES ($1, $2, $3, $4, $5)`,
			entityID, i, s.Program, s.Authority, nullTime(s.ListingDate)); err != nil {
			return err
		}
	}
	return nil
}

func (w *pgWriter) exec(ctx context.Context, table, query string, args ...any) error {
	if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
		return unavailable(fmt.Errorf("inserting into %s: %w", table, err))
	}
	return nil
}

// Candidates prefilters with ILIKE so only entities sharing at least one
// query word with the name or an alias are scored.
func (p *Postgres) Candidates(ctx context.Context, terms []string, f sanctions.Filter) ([]sanctions.Entity, error) {
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			patterns = append(patterns, "%"+escapeLike(strings.ToLower(t))+"%")
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT `+prefixed("e.", entityColumns)+`
		FROM entities e
		WHERE (e.name ILIKE ANY($1)
			OR EXISTS (SELECT 1 FROM aliases a WHERE a.entity_id = e.id AND a.name ILIKE ANY($1)))
		AND ($2 = '' OR e.source = $2)
		AND ($3 = '' OR e.entity_kind = $3)
		AND ($4 = '' OR e.status = $4)
		AND ($5::date IS NULL OR e.listing_date >= $5::date)
		AND ($6::date IS NULL OR e.listing_date <= $6::date)
		AND ($7 = ''
			OR EXISTS (SELECT 1 FROM nationalities n WHERE n.entity_id = e.id AND lower(n.country) = lower($7))
			OR EXISTS (SELECT 1 FROM addresses ad WHERE ad.entity_id = e.id AND lower(ad.country) = lower($7)))
		ORDER BY e.id`,
		pq.Array(patterns), string(f.Source), string(f.Kind), string(f.Status),
		nullTime(f.ListedFrom), nullTime(f.ListedTo), f.Country,
	)
	if err != nil {
		return nil, unavailable(fmt.Errorf("querying candidates: %w", err))
	}
	defer rows.Close()

	var out []sanctions.Entity
	index := make(map[int64]int)
	ids := make([]int64, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		index[e.ID] = len(out)
		ids = append(ids, e.ID)
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterating candidates: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	aliasRows, err := p.client.DB.QueryContext(ctx,
		`SELECT entity_id, name, quality FROM aliases WHERE entity_id = ANY($1) ORDER BY entity_id, ord`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, unavailable(fmt.Errorf("loading candidate aliases: %w", err))
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var id int64
		var a sanctions.Alias
		if err := aliasRows.Scan(&id, &a.Name, &a.Quality); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].Aliases = append(out[i].Aliases, a)
		}
	}
	if err := aliasRows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterating aliases: %w", err))
	}
	return out, nil
}

func (p *Postgres) GetEntity(ctx context.Context, id int64) (*sanctions.Entity, error) {
	row := p.client.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", apperrors.ErrEntityNotFound, id)
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("loading entity %d: %w", id, err))
	}
	if err := p.loadChildren(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Postgres) loadChildren(ctx context.Context, e *sanctions.Entity) error {
	type loader struct {
		query string
		scan  func(*sql.Rows) error
	}
	loaders := []loader{
		{`SELECT name, quality FROM aliases WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var a sanctions.Alias
			if err := r.Scan(&a.Name, &a.Quality); err != nil {
				return err
			}
			e.Aliases = append(e.Aliases, a)
			return nil
		}},
		{`SELECT full_text, country FROM addresses WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var a sanctions.Address
			if err := r.Scan(&a.FullText, &a.Country); err != nil {
				return err
			}
			e.Addresses = append(e.Addresses, a)
			return nil
		}},
		{`SELECT doc_type, number, issuer FROM documents WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var d sanctions.Document
			if err := r.Scan(&d.Type, &d.Number, &d.Issuer); err != nil {
				return err
			}
			e.Documents = append(e.Documents, d)
			return nil
		}},
		{`SELECT country FROM nationalities WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var c string
			if err := r.Scan(&c); err != nil {
				return err
			}
			e.Nationalities = append(e.Nationalities, c)
			return nil
		}},
		{`SELECT date_text, place_text, birth_date FROM births WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var b sanctions.Birth
			var date sql.NullTime
			if err := r.Scan(&b.DateText, &b.PlaceText, &date); err != nil {
				return err
			}
			b.Date = timePtr(date)
			e.Births = append(e.Births, b)
			return nil
		}},
		{`SELECT program, authority, listing_date FROM sanctions WHERE entity_id = $1 ORDER BY ord`, func(r *sql.Rows) error {
			var s sanctions.Sanction
			var date sql.NullTime
			if err := r.Scan(&s.Program, &s.Authority, &date); err != nil {
				return err
			}
			s.ListingDate = timePtr(date)
			e.Sanctions = append(e.Sanctions, s)
			return nil
		}},
	}
	for _, l := range loaders {
		rows, err := p.client.DB.QueryContext(ctx, l.query, e.ID)
		if err != nil {
			return unavailable(fmt.Errorf("loading children of %d: %w", e.ID, err))
		}
		for rows.Next() {
			if err := l.scan(rows); err != nil {
				rows.Close()
				return fmt.Errorf("scanning children of %d: %w", e.ID, err)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return unavailable(fmt.Errorf("iterating children of %d: %w", e.ID, err))
		}
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context) (*sanctions.Stats, error) {
	st := &sanctions.Stats{
		BySource: make(map[sanctions.Source]int),
		ByKind:   make(map[sanctions.EntityKind]int),
		ByStatus: make(map[sanctions.EntityStatus]int),
	}
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT source, entity_kind, status, COUNT(*) FROM entities GROUP BY source, entity_kind, status`)
	if err != nil {
		return nil, unavailable(fmt.Errorf("counting entities: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var source, kind, status string
		var n int
		if err := rows.Scan(&source, &kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scanning entity counts: %w", err)
		}
		st.TotalEntities += n
		st.BySource[sanctions.Source(source)] += n
		st.ByKind[sanctions.EntityKind(kind)] += n
		st.ByStatus[sanctions.EntityStatus(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterating entity counts: %w", err))
	}

	var lastRun sql.NullTime
	err = p.client.DB.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM aliases), (SELECT COUNT(*) FROM addresses),
			(SELECT COUNT(*) FROM documents), (SELECT MAX(started_at) FROM ingestion_runs)`,
	).Scan(&st.TotalAliases, &st.TotalAddresses, &st.TotalDocuments, &lastRun)
	if err != nil {
		return nil, unavailable(fmt.Errorf("counting children: %w", err))
	}
	st.LastRunAt = timePtr(lastRun)
	return st, nil
}

func (p *Postgres) OpenRun(ctx context.Context, run *sanctions.IngestionRun) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, source, trigger_type, started_at, status) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Source), string(run.Trigger), run.StartedAt, string(sanctions.RunInProgress),
	)
	if err != nil {
		return unavailable(fmt.Errorf("opening run %s: %w", run.ID, err))
	}
	return nil
}

func (p *Postgres) CloseRun(ctx context.Context, runID string, result sanctions.RunResult) error {
	res, err := p.client.DB.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = $2, finished_at = $3, records_added = $4, records_updated = $5,
			records_deleted = $6, feed_fingerprint = $7, error_summary = $8
		WHERE id = $1 AND status = $9`,
		runID, string(result.Status), result.FinishedAt, result.RecordsAdded, result.RecordsUpdated,
		result.RecordsDeleted, result.FeedFingerprint, result.ErrorSummary, string(sanctions.RunInProgress),
	)
	if err != nil {
		return unavailable(fmt.Errorf("closing run %s: %w", runID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing run %s: %w", runID, err)
	}
	if n == 1 {
		return nil
	}
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", apperrors.ErrRunClosed, runID, run.Status)
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*sanctions.IngestionRun, error) {
	row := p.client.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("loading run %s: %w", runID, err))
	}
	return run, nil
}

func (p *Postgres) LastSuccessful(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error) {
	return p.singleRun(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE source = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		string(source), string(sanctions.RunSuccess),
	)
}

func (p *Postgres) LastStarted(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error) {
	return p.singleRun(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE source = $1 ORDER BY started_at DESC LIMIT 1`,
		string(source),
	)
}

func (p *Postgres) singleRun(ctx context.Context, query string, args ...any) (*sanctions.IngestionRun, error) {
	run, err := scanRun(p.client.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("querying runs: %w", err))
	}
	return run, nil
}

func (p *Postgres) RecentRuns(ctx context.Context, limit int) ([]sanctions.IngestionRun, error) {
	if limit <= 0 {
		limit = 10
	}
	return p.listRuns(ctx, `SELECT `+runColumns+` FROM ingestion_runs ORDER BY started_at DESC LIMIT $1`, limit)
}

func (p *Postgres) OpenRuns(ctx context.Context, source sanctions.Source) ([]sanctions.IngestionRun, error) {
	return p.listRuns(ctx,
		`SELECT `+runColumns+` FROM ingestion_runs WHERE source = $1 AND status = $2 ORDER BY started_at`,
		string(source), string(sanctions.RunInProgress),
	)
}

func (p *Postgres) RunsSince(ctx context.Context, since time.Time) ([]sanctions.IngestionRun, error) {
	return p.listRuns(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE started_at >= $1 ORDER BY started_at DESC`, since)
}

func (p *Postgres) listRuns(ctx context.Context, query string, args ...any) ([]sanctions.IngestionRun, error) {
	rows, err := p.client.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(fmt.Errorf("listing runs: %w", err))
	}
	defer rows.Close()
	var out []sanctions.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterating runs: %w", err))
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*sanctions.Entity, error) {
	var (
		e                    sanctions.Entity
		source, kind, status string
		listingDate          sql.NullTime
	)
	err := s.Scan(&e.ID, &source, &e.SourceID, &e.Name, &kind, &status, &e.Title, &e.ReferenceNumber,
		&e.ContentFingerprint, &e.ListingProgram, &listingDate, &e.Remarks, &e.FirstSeenAt, &e.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Source = sanctions.Source(source)
	e.Kind = sanctions.EntityKind(kind)
	e.Status = sanctions.EntityStatus(status)
	e.ListingDate = timePtr(listingDate)
	return &e, nil
}

func scanRun(s scanner) (*sanctions.IngestionRun, error) {
	var (
		run                     sanctions.IngestionRun
		source, trigger, status string
		finished                sql.NullTime
	)
	err := s.Scan(&run.ID, &source, &trigger, &run.StartedAt, &finished, &status,
		&run.RecordsAdded, &run.RecordsUpdated, &run.RecordsDeleted, &run.FeedFingerprint, &run.ErrorSummary)
	if err != nil {
		return nil, err
	}
	run.Source = sanctions.Source(source)
	run.Trigger = sanctions.Trigger(trigger)
	run.Status = sanctions.RunStatus(status)
	run.FinishedAt = timePtr(finished)
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

var _ Store = (*Postgres)(nil)
