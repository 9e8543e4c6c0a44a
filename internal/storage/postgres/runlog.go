package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"mp_watcher/internal/domain"
)

type RunLogStore struct {
	db *sqlx.DB
}

func NewRunLogStore(db *sqlx.DB) *RunLogStore {
	return &RunLogStore{db: db}
}

const runLogColumns = `id, target_id, target_name, status, message, step,
	articles_count, new_count, duration_ms, page_num, created_at`

func (s *RunLogStore) Append(ctx context.Context, entry *domain.RunLogEntry) error {
	targetID, err := parseID(entry.TargetID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO crawl_logs (
			target_id, target_name, status, message, step,
			articles_count, new_count, duration_ms, page_num, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		targetID,
		entry.TargetName,
		string(entry.Status),
		entry.Message,
		entry.Step,
		entry.ArticlesCount,
		entry.NewCount,
		entry.DurationMS,
		entry.PageNum,
		entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *RunLogStore) MarkStale(ctx context.Context, before time.Time, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_logs
		SET status = 'error', message = $2
		WHERE status IN ('start', 'progress') AND created_at < $1`,
		before, message)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *RunLogStore) LatestByTarget(ctx context.Context) ([]domain.RunLogEntry, error) {
	query := `
		SELECT DISTINCT ON (target_id) ` + runLogColumns + `
		FROM crawl_logs
		ORDER BY target_id, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.RunLogEntry
	for rows.Next() {
		var (
			e        domain.RunLogEntry
			id       int64
			targetID int64
			status   string
		)
		err := rows.Scan(
			&id,
			&targetID,
			&e.TargetName,
			&status,
			&e.Message,
			&e.Step,
			&e.ArticlesCount,
			&e.NewCount,
			&e.DurationMS,
			&e.PageNum,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.TargetID = strconv.FormatInt(targetID, 10)
		e.Status = domain.RunStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
