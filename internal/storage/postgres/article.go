package postgres

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/jmoiron/sqlx"

	"mp_watcher/internal/domain"
)

type ArticleStore struct {
	db *sqlx.DB
}

func NewArticleStore(db *sqlx.DB) *ArticleStore {
	return &ArticleStore{db: db}
}

// InsertIfAbsent writes the article unless its URL already exists. The
// conflict target is the unique url index; existing rows keep their first
// write.
func (s *ArticleStore) InsertIfAbsent(ctx context.Context, article *domain.Article) (bool, error) {
	targetID, err := parseID(article.TargetID)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO articles (target_id, mp_name, mp_id, title, url, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		targetID,
		article.MPName,
		article.MPID,
		article.Title,
		article.URL,
		article.PublishedAt,
		article.CreatedAt,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	article.ID = strconv.FormatInt(id, 10)
	return true, nil
}

func (s *ArticleStore) CountByTarget(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, COUNT(*) FROM articles GROUP BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var targetID, count int64
		if err := rows.Scan(&targetID, &count); err != nil {
			return nil, err
		}
		result[strconv.FormatInt(targetID, 10)] = count
	}
	return result, rows.Err()
}
