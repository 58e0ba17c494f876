package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mealroute/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pgx-backed pool and verifies connectivity.
func NewPostgres(dsn string, maxOpen int) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: verify postgres connection: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: bootstrap: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("migrate: list: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("migrate: check %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit %s: %w", name, err)
		}
		log.Printf("op=migrate applied=%s", name)
	}
	return nil
}

const plannedCols = `id, route_id, to_char(delivery_date, 'YYYY-MM-DD'), session, stop_order, COALESCE(delivery_id,''), delivery_name, lat, lng`

const plannedOrder = `ORDER BY CASE lower(session) WHEN 'breakfast' THEN 0 WHEN 'lunch' THEN 1 WHEN 'dinner' THEN 2 ELSE 3 END, session, stop_order`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlanned(row scanner) (model.PlannedStop, error) {
	var ps model.PlannedStop
	var session string
	var lat, lng sql.NullFloat64
	if err := row.Scan(&ps.ID, &ps.RouteID, &ps.Date, &session, &ps.StopOrder, &ps.DeliveryID, &ps.DeliveryName, &lat, &lng); err != nil {
		return ps, err
	}
	ps.Session = model.Session(session)
	ps.Location = point(lat, lng)
	return ps, nil
}

func (p *Postgres) FindPlannedStops(ctx context.Context, routeID, date string) ([]model.PlannedStop, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+plannedCols+` FROM planned_stops WHERE route_id=$1 AND delivery_date=$2::date `+plannedOrder, routeID, date)
	if err != nil {
		return nil, fmt.Errorf("find planned stops %s/%s: %w", routeID, date, err)
	}
	defer rows.Close()
	out := []model.PlannedStop{}
	for rows.Next() {
		ps, err := scanPlanned(rows)
		if err != nil {
			return nil, fmt.Errorf("scan planned stop: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *Postgres) GetPlannedStop(ctx context.Context, id string) (model.PlannedStop, error) {
	ps, err := scanPlanned(p.db.QueryRowContext(ctx, `SELECT `+plannedCols+` FROM planned_stops WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ps, ErrNotFound
	}
	if err != nil {
		return ps, fmt.Errorf("get planned stop %s: %w", id, err)
	}
	return ps, nil
}

func (p *Postgres) ReplacePlannedStops(ctx context.Context, routeID, date string, stops []model.PlannedStop) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM planned_stops WHERE route_id=$1 AND delivery_date=$2::date`, routeID, date); err != nil {
		return fmt.Errorf("replace planned stops: clear: %w", err)
	}
	for _, s := range stops {
		id := s.ID
		if id == "" {
			id = uuid.New().String()
		}
		lat, lng := latLng(s.Location)
		_, err := tx.ExecContext(ctx, `INSERT INTO planned_stops (id, route_id, delivery_date, session, stop_order, delivery_id, delivery_name, lat, lng)
            VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9)`,
			id, routeID, date, string(s.Session), s.StopOrder, nullIfEmpty(s.DeliveryID), s.DeliveryName, lat, lng)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("replace planned stops: stop_order %d in %s: %w", s.StopOrder, s.Session, ErrConflict)
			}
			return fmt.Errorf("replace planned stops: insert: %w", err)
		}
	}
	return tx.Commit()
}

// lockRoute serializes stop writes and reorders of one route/date for the
// rest of tx.
func lockRoute(ctx context.Context, tx *sql.Tx, routeID, date string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, routeID+"|"+date); err != nil {
		return fmt.Errorf("lock route %s/%s: %w", routeID, date, err)
	}
	return nil
}

// ReorderPlannedStops moves stops in two phases (park on negative slots,
// then assign) so the per-session unique constraint holds at every statement.
// A moved stop whose current slot already carries a stop report is a
// conflict: moving it would detach the report.
func (p *Postgres) ReorderPlannedStops(ctx context.Context, routeID, date string, moves []model.StopReorder, audit model.Reoptimization) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, routeID, date); err != nil {
		return err
	}
	for _, mv := range moves {
		var session string
		var order int
		err := tx.QueryRowContext(ctx, `SELECT session, stop_order FROM planned_stops WHERE id=$1 AND route_id=$2 AND delivery_date=$3::date AND stop_order > 0 FOR UPDATE`,
			mv.PlannedStopID, routeID, date).Scan(&session, &order)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reorder: planned stop %s not on route %s/%s: %w", mv.PlannedStopID, routeID, date, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("reorder: lock %s: %w", mv.PlannedStopID, err)
		}
		var reported bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM actual_stops WHERE route_id=$1 AND delivery_date=$2::date AND lower(session)=lower($3) AND stop_order=$4)`,
			routeID, date, session, order).Scan(&reported); err != nil {
			return fmt.Errorf("reorder: check reports on %s: %w", mv.PlannedStopID, err)
		}
		if reported {
			return fmt.Errorf("reorder: stop %d (%s) was reported: %w", order, session, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE planned_stops SET stop_order = -stop_order - 1 WHERE id=$1`, mv.PlannedStopID); err != nil {
			return fmt.Errorf("reorder: park %s: %w", mv.PlannedStopID, err)
		}
	}
	for _, mv := range moves {
		if _, err := tx.ExecContext(ctx, `UPDATE planned_stops SET stop_order=$1, updated_at=now() WHERE id=$2`, mv.NewOrder, mv.PlannedStopID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("reorder: slot %d: %w", mv.NewOrder, ErrConflict)
			}
			return fmt.Errorf("reorder: assign %s: %w", mv.PlannedStopID, err)
		}
	}
	id := audit.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO route_reoptimizations (id, route_id, delivery_date, trigger, delay_minutes, max_multiplier, stops_moved, created_at)
        VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8)`,
		id, routeID, date, audit.Trigger, audit.DelayMinutes, audit.MaxMultiplier, audit.StopsMoved, createdAt(audit.CreatedAt))
	if err != nil {
		return fmt.Errorf("reorder: audit: %w", err)
	}
	return tx.Commit()
}

const actualCols = `id, route_id, to_char(delivery_date, 'YYYY-MM-DD'), session, stop_order, COALESCE(planned_stop_id,''), COALESCE(delivery_id,''), user_id, delivery_status, actual_completion_time, start_time, started_by, lat, lng, updated_at`

func scanActual(row scanner) (model.ActualStop, error) {
	var a model.ActualStop
	var session, status string
	var done, started sql.NullTime
	var lat, lng sql.NullFloat64
	if err := row.Scan(&a.ID, &a.RouteID, &a.Date, &session, &a.StopOrder, &a.PlannedStopID, &a.DeliveryID, &a.UserID, &status, &done, &started, &a.StartedBy, &lat, &lng, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.Session = model.Session(session)
	a.DeliveryStatus = model.DeliveryStatus(status)
	a.ActualCompletionTime = timePtr(done)
	a.StartTime = timePtr(started)
	a.Location = point(lat, lng)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

// UpsertActualStop mirrors model.MergeActualStop in SQL. The row lock taken by
// ON CONFLICT serializes concurrent writers on the same natural key. A write
// naming a planned stop holds the route lock and fails with ErrConflict when
// that stop no longer sits in the written slot.
func (p *Postgres) UpsertActualStop(ctx context.Context, a model.ActualStop) (model.ActualStop, error) {
	a = startedBy(a)
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer func() { _ = tx.Rollback() }()
	if a.PlannedStopID != "" {
		if err := lockRoute(ctx, tx, a.RouteID, a.Date); err != nil {
			return a, err
		}
		var session string
		var order int
		err := tx.QueryRowContext(ctx, `SELECT session, stop_order FROM planned_stops WHERE id=$1`, a.PlannedStopID).Scan(&session, &order)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return a, fmt.Errorf("upsert actual stop: read planned stop %s: %w", a.PlannedStopID, err)
		case order != a.StopOrder || model.NormalizeSession(session) != model.NormalizeSession(string(a.Session)):
			return a, fmt.Errorf("upsert actual stop: planned stop %s moved to %s/%d: %w", a.PlannedStopID, session, order, ErrConflict)
		}
	}
	lat, lng := latLng(a.Location)
	row := tx.QueryRowContext(ctx, `INSERT INTO actual_stops (id, route_id, delivery_date, session, stop_order, planned_stop_id, delivery_id, user_id, delivery_status, actual_completion_time, start_time, started_by, lat, lng, updated_at)
        VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (route_id, delivery_date, session, stop_order) DO UPDATE SET
            planned_stop_id = COALESCE(EXCLUDED.planned_stop_id, actual_stops.planned_stop_id),
            delivery_id = COALESCE(EXCLUDED.delivery_id, actual_stops.delivery_id),
            user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), actual_stops.user_id),
            delivery_status = CASE
                WHEN EXCLUDED.delivery_status = '' THEN actual_stops.delivery_status
                WHEN actual_stops.delivery_status = 'delivered' AND EXCLUDED.delivery_status = 'arrived' THEN actual_stops.delivery_status
                ELSE EXCLUDED.delivery_status END,
            actual_completion_time = COALESCE(actual_stops.actual_completion_time, EXCLUDED.actual_completion_time),
            start_time = COALESCE(actual_stops.start_time, EXCLUDED.start_time),
            started_by = CASE WHEN actual_stops.start_time IS NULL THEN EXCLUDED.started_by ELSE actual_stops.started_by END,
            lat = COALESCE(EXCLUDED.lat, actual_stops.lat),
            lng = COALESCE(EXCLUDED.lng, actual_stops.lng),
            updated_at = GREATEST(actual_stops.updated_at, EXCLUDED.updated_at)
        RETURNING `+actualCols,
		id, a.RouteID, a.Date, string(a.Session), a.StopOrder, nullIfEmpty(a.PlannedStopID), nullIfEmpty(a.DeliveryID), a.UserID,
		string(a.DeliveryStatus), nullTime(a.ActualCompletionTime), nullTime(a.StartTime), a.StartedBy, lat, lng, createdAt(a.UpdatedAt))
	out, err := scanActual(row)
	if err != nil {
		return out, fmt.Errorf("upsert actual stop %s/%s/%s/%d: %w", a.RouteID, a.Date, a.Session, a.StopOrder, err)
	}
	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("upsert actual stop %s/%s/%s/%d: commit: %w", a.RouteID, a.Date, a.Session, a.StopOrder, err)
	}
	return out, nil
}

func (p *Postgres) FindActualStops(ctx context.Context, routeID, date string, f ActualStopFilter) ([]model.ActualStop, error) {
	q := `SELECT ` + actualCols + ` FROM actual_stops WHERE route_id=$1 AND delivery_date=$2::date`
	args := []any{routeID, date}
	switch {
	case f.StartedOnly && f.DriverID != "":
		args = append(args, f.DriverID)
		q += fmt.Sprintf(` AND start_time IS NOT NULL AND started_by=$%d`, len(args))
	case f.StartedOnly:
		q += ` AND start_time IS NOT NULL`
	case f.DriverID != "":
		args = append(args, f.DriverID)
		q += fmt.Sprintf(` AND user_id=$%d`, len(args))
	}
	if f.CompletedOnly {
		q += ` AND (actual_completion_time IS NOT NULL OR lower(delivery_status) IN ('delivered','arrived'))`
	}
	q += ` ORDER BY stop_order, session, id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find actual stops %s/%s: %w", routeID, date, err)
	}
	defer rows.Close()
	out := []model.ActualStop{}
	for rows.Next() {
		a, err := scanActual(rows)
		if err != nil {
			return nil, fmt.Errorf("scan actual stop: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const summaryCols = `id, route_id, to_char(delivery_date, 'YYYY-MM-DD'), session, driver_id, actual_start_time, actual_end_time, total_duration_seconds, end_lat, end_lng, updated_at`

func scanSummary(row scanner) (model.JourneySummary, error) {
	var s model.JourneySummary
	var session string
	var start, end sql.NullTime
	var dur sql.NullInt64
	var lat, lng sql.NullFloat64
	if err := row.Scan(&s.ID, &s.RouteID, &s.Date, &session, &s.DriverID, &start, &end, &dur, &lat, &lng, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Session = model.Session(session)
	s.ActualStartTime = timePtr(start)
	s.ActualEndTime = timePtr(end)
	if dur.Valid {
		d := dur.Int64
		s.TotalDurationSeconds = &d
	}
	s.EndLocation = point(lat, lng)
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (p *Postgres) UpsertJourneySummary(ctx context.Context, s model.JourneySummary) (model.JourneySummary, error) {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	lat, lng := latLng(s.EndLocation)
	var dur any
	if s.TotalDurationSeconds != nil {
		dur = *s.TotalDurationSeconds
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO journey_summaries (id, route_id, delivery_date, session, driver_id, actual_start_time, actual_end_time, total_duration_seconds, end_lat, end_lng, updated_at)
        VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (route_id, delivery_date, session, driver_id) DO UPDATE SET
            actual_start_time = COALESCE(journey_summaries.actual_start_time, EXCLUDED.actual_start_time),
            actual_end_time = COALESCE(journey_summaries.actual_end_time, EXCLUDED.actual_end_time),
            total_duration_seconds = COALESCE(journey_summaries.total_duration_seconds, EXCLUDED.total_duration_seconds),
            end_lat = COALESCE(EXCLUDED.end_lat, journey_summaries.end_lat),
            end_lng = COALESCE(EXCLUDED.end_lng, journey_summaries.end_lng),
            updated_at = GREATEST(journey_summaries.updated_at, EXCLUDED.updated_at)
        RETURNING `+summaryCols,
		id, s.RouteID, s.Date, string(s.Session), s.DriverID, nullTime(s.ActualStartTime), nullTime(s.ActualEndTime), dur, lat, lng, createdAt(s.UpdatedAt))
	out, err := scanSummary(row)
	if err != nil {
		return out, fmt.Errorf("upsert journey summary %s/%s/%s: %w", s.RouteID, s.Date, s.Session, err)
	}
	return out, nil
}

func (p *Postgres) FindJourneySummaries(ctx context.Context, routeID, date string, f SummaryFilter) ([]model.JourneySummary, error) {
	q := `SELECT ` + summaryCols + ` FROM journey_summaries WHERE route_id=$1 AND delivery_date=$2::date`
	args := []any{routeID, date}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		q += fmt.Sprintf(` AND driver_id=$%d`, len(args))
	}
	if f.EndedOnly {
		q += ` AND actual_end_time IS NOT NULL`
	}
	q += ` ORDER BY session, driver_id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find journey summaries %s/%s: %w", routeID, date, err)
	}
	defer rows.Close()
	out := []model.JourneySummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journey summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) LastReoptimization(ctx context.Context, routeID, date string) (model.Reoptimization, error) {
	var r model.Reoptimization
	err := p.db.QueryRowContext(ctx, `SELECT id, route_id, to_char(delivery_date, 'YYYY-MM-DD'), trigger, delay_minutes, max_multiplier, stops_moved, created_at
        FROM route_reoptimizations WHERE route_id=$1 AND delivery_date=$2::date ORDER BY created_at DESC LIMIT 1`, routeID, date).
		Scan(&r.ID, &r.RouteID, &r.Date, &r.Trigger, &r.DelayMinutes, &r.MaxMultiplier, &r.StopsMoved, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("last reoptimization %s/%s: %w", routeID, date, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (p *Postgres) ListActiveRoutes(ctx context.Context, date string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT a.route_id FROM actual_stops a
        WHERE a.delivery_date=$1::date AND a.start_time IS NOT NULL
          AND NOT EXISTS (SELECT 1 FROM journey_summaries s
              WHERE s.route_id=a.route_id AND s.delivery_date=a.delivery_date AND s.session='' AND s.actual_end_time IS NOT NULL)
        ORDER BY a.route_id`, date)
	if err != nil {
		return nil, fmt.Errorf("list active routes %s: %w", date, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func latLng(g *model.GeoPoint) (any, any) {
	if g == nil {
		return nil, nil
	}
	return g.Lat, g.Lng
}

func point(lat, lng sql.NullFloat64) *model.GeoPoint {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
