package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/postdeck/internal/model"
)

// postColumns は投稿取得クエリで選択する列の並び。scanPostと対応する。
const postColumns = `id, user_id, content, platforms, category, scheduled_time,
	        status, media_urls, platform_post_ids, publish_summary,
	        published_at, created_at, updated_at`

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPost は1行分の投稿を読み取る。postColumnsの並びと一致している必要がある。
func scanPost(row rowScanner) (*model.Post, error) {
	post := &model.Post{}
	var category, summary sql.NullString
	var publishedAt sql.NullTime
	var platformPostIDs []byte

	err := row.Scan(
		&post.ID, &post.UserID, &post.Content,
		pq.Array(&post.Platforms), &category, &post.ScheduledTime,
		&post.Status, pq.Array(&post.MediaURLs), &platformPostIDs,
		&summary, &publishedAt, &post.CreatedAt, &post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	post.Category = nullStringValue(category)
	post.PublishSummary = nullStringValue(summary)
	if publishedAt.Valid {
		t := publishedAt.Time
		post.PublishedAt = &t
	}

	post.PlatformPostIDs = map[string]string{}
	if len(platformPostIDs) > 0 {
		if err := json.Unmarshal(platformPostIDs, &post.PlatformPostIDs); err != nil {
			return nil, fmt.Errorf("platform_post_idsのデコードに失敗しました: %w", err)
		}
	}

	return post, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// FindByIDAndUser は指定IDかつ指定ユーザー所有の投稿を取得する。
func (r *PostgresPostRepo) FindByIDAndUser(ctx context.Context, id, userID string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1 AND user_id = $2`, id, userID)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// ListByUser はユーザーの投稿一覧をscheduled_time降順で取得する。
func (r *PostgresPostRepo) ListByUser(ctx context.Context, userID string, filter PostFilter) ([]*model.Post, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 10
	}

	where := `WHERE user_id = $1`
	args := []interface{}{userID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		where += fmt.Sprintf(" AND $%d = ANY(platforms)", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(" AND content ILIKE $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM posts `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("投稿件数の取得に失敗しました: %w", err)
	}

	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	query := fmt.Sprintf(
		`SELECT `+postColumns+` FROM posts %s
		 ORDER BY scheduled_time DESC
		 LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("投稿一覧の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の走査に失敗しました: %w", err)
	}

	return posts, total, nil
}

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	platformPostIDs, err := json.Marshal(post.PlatformPostIDs)
	if err != nil {
		return fmt.Errorf("platform_post_idsのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, content, platforms, category, scheduled_time,
		                    status, media_urls, platform_post_ids, publish_summary,
		                    published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		post.ID, post.UserID, post.Content,
		pq.Array(post.Platforms), nullString(post.Category), post.ScheduledTime,
		post.Status, pq.Array(post.MediaURLs), platformPostIDs,
		nullString(post.PublishSummary), post.PublishedAt,
		post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は投稿の編集可能フィールドを更新する。
// ステータス・platform_post_ids・履歴はApplyPublishResult経由でのみ変更される。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET
		    content = $2, platforms = $3, category = $4,
		    scheduled_time = $5, media_urls = $6, updated_at = now()
		 WHERE id = $1`,
		post.ID, post.Content, pq.Array(post.Platforms),
		nullString(post.Category), post.ScheduledTime, pq.Array(post.MediaURLs),
	)
	if err != nil {
		return fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDかつ指定ユーザー所有の投稿を削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, id, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM posts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ListDueForPublish は配信期限が到来した投稿を取得する。
// FOR UPDATE SKIP LOCKEDは同時に実行中のスキャン同士の重複取得を防ぐ。
// トランザクション外のため行ロックはステートメント終了で解放され、
// 取得後の配信自体の排他はPostLocksが担う。
func (r *PostgresPostRepo) ListDueForPublish(ctx context.Context, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		 FROM posts
		 WHERE status = 'scheduled'
		   AND scheduled_time <= now()
		 ORDER BY scheduled_time ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("配信対象投稿の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象投稿の走査に失敗しました: %w", err)
	}

	return posts, nil
}

// ApplyPublishResult は配信試行1回分の結果を1トランザクションで反映する。
// platform_post_idsはjsonbの||演算子でマージするため、既存エントリは
// 同名キーの上書き以外では変化しない。履歴は同一トランザクションで1件追記する。
func (r *PostgresPostRepo) ApplyPublishResult(ctx context.Context, postID string, result *model.PublishResult) (*model.Post, error) {
	newIDs, err := json.Marshal(result.PlatformPostIDs)
	if err != nil {
		return nil, fmt.Errorf("platform_post_idsのエンコードに失敗しました: %w", err)
	}
	outcomes, err := json.Marshal(result.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("outcomesのエンコードに失敗しました: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 成功が1件でもあった場合のみpublished_atを更新する
	var publishedAt *time.Time
	if len(result.PlatformPostIDs) > 0 {
		t := result.OccurredAt
		publishedAt = &t
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE posts SET
		    status = $2,
		    publish_summary = $3,
		    platform_post_ids = platform_post_ids || $4::jsonb,
		    published_at = COALESCE($5, published_at),
		    updated_at = now()
		 WHERE id = $1
		 RETURNING `+postColumns,
		postID, result.Status, nullString(result.Summary), newIDs, publishedAt,
	)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("配信結果の反映対象の投稿が存在しません: %s", postID)
	}
	if err != nil {
		return nil, fmt.Errorf("配信結果の反映に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO publish_history (id, post_id, occurred_at, trigger_source, resulting_status, outcomes)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), postID, result.OccurredAt,
		result.TriggerSource, result.Status, outcomes,
	)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の追記に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("配信結果のコミットに失敗しました: %w", err)
	}

	return post, nil
}

// MarkFailed は投稿を失敗ステータスに更新する。
func (r *PostgresPostRepo) MarkFailed(ctx context.Context, postID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET status = 'failed', publish_summary = $2, updated_at = now()
		 WHERE id = $1`,
		postID, reason,
	)
	if err != nil {
		return fmt.Errorf("失敗ステータスの更新に失敗しました: %w", err)
	}
	return nil
}

// ListHistoryByPostID は投稿の配信履歴をoccurred_at昇順で取得する。
func (r *PostgresPostRepo) ListHistoryByPostID(ctx context.Context, postID string) ([]*model.PublishHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, post_id, occurred_at, trigger_source, resulting_status, outcomes
		 FROM publish_history
		 WHERE post_id = $1
		 ORDER BY occurred_at ASC`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.PublishHistoryEntry
	for rows.Next() {
		entry := &model.PublishHistoryEntry{}
		var outcomes []byte
		if err := rows.Scan(
			&entry.ID, &entry.PostID, &entry.OccurredAt,
			&entry.TriggerSource, &entry.ResultingStatus, &outcomes,
		); err != nil {
			return nil, fmt.Errorf("配信履歴の読み取りに失敗しました: %w", err)
		}
		if len(outcomes) > 0 {
			if err := json.Unmarshal(outcomes, &entry.Outcomes); err != nil {
				return nil, fmt.Errorf("outcomesのデコードに失敗しました: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信履歴の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
