package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mp_watcher/internal/domain"
)

type TargetStore struct {
	db *sqlx.DB
}

func NewTargetStore(db *sqlx.DB) *TargetStore {
	return &TargetStore{db: db}
}

const targetColumns = `id, name, schedule_mode, interval_value, interval_unit,
	daily_times, cron_expr, freq_minutes, enabled, account_id, external_id,
	avatar_url, last_run_at, last_error, created_at, updated_at`

func (s *TargetStore) Create(ctx context.Context, target *domain.Target) (string, error) {
	query := `
		INSERT INTO targets (
			name, schedule_mode, interval_value, interval_unit, daily_times,
			cron_expr, freq_minutes, enabled, account_id, external_id, avatar_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	var accountID sql.NullInt64
	if target.AccountID != "" {
		id, err := parseID(target.AccountID)
		if err != nil {
			return "", fmt.Errorf("account id: %w", err)
		}
		accountID = sql.NullInt64{Int64: id, Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		target.Name,
		string(target.Schedule.Mode),
		target.Schedule.IntervalValue,
		target.Schedule.IntervalUnit,
		pq.Array(target.Schedule.DailyTimes),
		target.Schedule.CronExpr,
		target.Schedule.FreqMinutes,
		target.Enabled,
		accountID,
		target.ExternalID,
		target.AvatarURL,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *TargetStore) Get(ctx context.Context, id string) (*domain.Target, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, numID)
	target, err := scanTarget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return target, nil
}

func (s *TargetStore) ListEnabled(ctx context.Context) ([]domain.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

func (s *TargetStore) SaveResolution(ctx context.Context, id, externalID, avatarURL string) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE targets SET
			external_id = $2,
			avatar_url = CASE WHEN $3 <> '' THEN $3 ELSE avatar_url END,
			updated_at = now()
		WHERE id = $1`,
		numID, externalID, avatarURL)
	return err
}

func (s *TargetStore) ClearExternalID(ctx context.Context, id string) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE targets SET external_id = '', updated_at = now() WHERE id = $1`, numID)
	return err
}

func (s *TargetStore) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE targets SET last_run_at = $2, last_error = NULL, updated_at = now() WHERE id = $1`,
		numID, at)
	return err
}

func (s *TargetStore) SetLastError(ctx context.Context, id, message string) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE targets SET last_error = $2, updated_at = now() WHERE id = $1`,
		numID, message)
	return err
}

func scanTarget(scan func(dest ...any) error) (*domain.Target, error) {
	var (
		t          domain.Target
		id         int64
		mode       string
		dailyTimes pq.StringArray
		accountID  sql.NullInt64
		lastRunAt  sql.NullTime
		lastError  sql.NullString
	)

	err := scan(
		&id,
		&t.Name,
		&mode,
		&t.Schedule.IntervalValue,
		&t.Schedule.IntervalUnit,
		&dailyTimes,
		&t.Schedule.CronExpr,
		&t.Schedule.FreqMinutes,
		&t.Enabled,
		&accountID,
		&t.ExternalID,
		&t.AvatarURL,
		&lastRunAt,
		&lastError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = strconv.FormatInt(id, 10)
	t.Schedule.Mode = domain.ScheduleMode(mode)
	t.Schedule.DailyTimes = []string(dailyTimes)
	if accountID.Valid {
		t.AccountID = strconv.FormatInt(accountID.Int64, 10)
	}
	if lastRunAt.Valid {
		at := lastRunAt.Time
		t.LastRunAt = &at
	}
	if lastError.Valid {
		msg := lastError.String
		t.LastError = &msg
	}
	return &t, nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return n, nil
}
