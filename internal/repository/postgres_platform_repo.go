package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/postdeck/internal/model"
)

// connectionColumns は接続取得クエリで選択する列の並び。scanConnectionと対応する。
const connectionColumns = `id, user_id, platform, connected, username,
	        access_token, refresh_token, token_expiry,
	        posts_per_hour, posts_per_day, connected_at, created_at, updated_at`

// PostgresPlatformConnectionRepo はPostgreSQLを使用したプラットフォーム接続リポジトリ。
// 配信コアからは読み取り専用で扱う。書き込みはOAuth連携フロー側の責務。
type PostgresPlatformConnectionRepo struct {
	db *sql.DB
}

// NewPostgresPlatformConnectionRepo はPostgresPlatformConnectionRepoを生成する。
func NewPostgresPlatformConnectionRepo(db *sql.DB) *PostgresPlatformConnectionRepo {
	return &PostgresPlatformConnectionRepo{db: db}
}

// scanConnection は1行分のプラットフォーム接続を読み取る。
func scanConnection(row rowScanner) (*model.PlatformConnection, error) {
	conn := &model.PlatformConnection{}
	var username, accessToken, refreshToken sql.NullString
	var tokenExpiry, connectedAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Platform, &conn.Connected, &username,
		&accessToken, &refreshToken, &tokenExpiry,
		&conn.PostsPerHour, &conn.PostsPerDay, &connectedAt,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Username = nullStringValue(username)
	conn.AccessToken = nullStringValue(accessToken)
	conn.RefreshToken = nullStringValue(refreshToken)
	if tokenExpiry.Valid {
		t := tokenExpiry.Time
		conn.TokenExpiry = &t
	}
	if connectedAt.Valid {
		t := connectedAt.Time
		conn.ConnectedAt = &t
	}

	return conn, nil
}

// ListByUserID はユーザーの全接続を取得する。
func (r *PostgresPlatformConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.PlatformConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM platform_connections
		 WHERE user_id = $1
		 ORDER BY platform ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("プラットフォーム接続一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var conns []*model.PlatformConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("プラットフォーム接続の読み取りに失敗しました: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("プラットフォーム接続の走査に失敗しました: %w", err)
	}

	return conns, nil
}

// FindConnected はユーザーの指定プラットフォームの有効な接続を取得する。
// (user_id, platform)にはユニーク制約があるため高々1件。
func (r *PostgresPlatformConnectionRepo) FindConnected(ctx context.Context, userID, platform string) (*model.PlatformConnection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM platform_connections
		 WHERE user_id = $1 AND platform = $2 AND connected = true`,
		userID, platform,
	)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プラットフォーム接続の取得に失敗しました: %w", err)
	}
	return conn, nil
}

// ListConnectedPlatforms はユーザーの有効な接続のうち、
// 指定プラットフォーム集合に含まれるものの名前一覧を返す。
func (r *PostgresPlatformConnectionRepo) ListConnectedPlatforms(ctx context.Context, userID string, platforms []string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform
		 FROM platform_connections
		 WHERE user_id = $1
		   AND platform = ANY($2)
		   AND connected = true
		 ORDER BY platform ASC`,
		userID, pq.Array(platforms),
	)
	if err != nil {
		return nil, fmt.Errorf("接続済みプラットフォームの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("接続済みプラットフォームの読み取りに失敗しました: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("接続済みプラットフォームの走査に失敗しました: %w", err)
	}

	return names, nil
}

// compile-time interface check
var _ PlatformConnectionRepository = (*PostgresPlatformConnectionRepo)(nil)
