package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

type TokenRepository struct {
	q Querier
}

const tokenColumns = `
	id, token_hash, student_id, teacher_id, is_active, expires_at, access_count, last_accessed_at, created_at`

func scanToken(row pgx.Row) (*model.ShareToken, error) {
	var t model.ShareToken
	err := row.Scan(
		&t.ID,
		&t.TokenHash,
		&t.StudentID,
		&t.TeacherID,
		&t.IsActive,
		&t.ExpiresAt,
		&t.AccessCount,
		&t.LastAccessedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create создаёт новый токен доступа
func (r *TokenRepository) Create(ctx context.Context, t *model.ShareToken) error {
	query := `
		INSERT INTO share_tokens (token_hash, student_id, teacher_id, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, access_count, created_at
	`

	err := r.q.QueryRow(
		ctx, query,
		t.TokenHash,
		t.StudentID,
		t.TeacherID,
		t.IsActive,
		t.ExpiresAt,
	).Scan(&t.ID, &t.AccessCount, &t.CreatedAt)

	return mapErr("create share token", err)
}

// DeactivatePair деактивирует все активные токены пары
func (r *TokenRepository) DeactivatePair(ctx context.Context, studentID, teacherID int64) (int64, error) {
	query := `
		UPDATE share_tokens
		SET is_active = false
		WHERE student_id = $1 AND teacher_id = $2 AND is_active
	`

	result, err := r.q.Exec(ctx, query, studentID, teacherID)
	if err != nil {
		return 0, mapErr("deactivate share tokens", err)
	}

	return result.RowsAffected(), nil
}

// Touch увеличивает счётчик обращений, только если токен активен и не истёк
func (r *TokenRepository) Touch(ctx context.Context, hash []byte, now time.Time) (*model.ShareToken, error) {
	query := `
		UPDATE share_tokens
		SET access_count = access_count + 1, last_accessed_at = $2
		WHERE token_hash = $1 AND is_active AND expires_at > $2
		RETURNING ` + tokenColumns

	t, err := scanToken(r.q.QueryRow(ctx, query, hash, now))
	if err != nil {
		return nil, mapErr("touch share token", err)
	}

	return t, nil
}

// GetByHash получает токен по хешу
func (r *TokenRepository) GetByHash(ctx context.Context, hash []byte) (*model.ShareToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM share_tokens WHERE token_hash = $1`

	t, err := scanToken(r.q.QueryRow(ctx, query, hash))
	if err != nil {
		return nil, mapErr("get share token", err)
	}

	return t, nil
}

// InsertAccessLog записывает попытку доступа; таблица только на вставку
func (r *TokenRepository) InsertAccessLog(ctx context.Context, e *model.TokenAccessLog) error {
	query := `
		INSERT INTO share_token_access_log (token_id, token_prefix, student_id, teacher_id, success,
		                                    failure_reason, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := r.q.QueryRow(
		ctx, query,
		e.TokenID,
		e.TokenPrefix,
		e.StudentID,
		e.TeacherID,
		e.Success,
		e.FailureReason,
		e.IP,
		e.UserAgent,
		e.CreatedAt,
	).Scan(&e.ID)

	return mapErr("insert token access log", err)
}

// ListAccessLog получает последние записи аудита по паре
func (r *TokenRepository) ListAccessLog(ctx context.Context, studentID, teacherID int64, limit int) ([]*model.TokenAccessLog, error) {
	query := `
		SELECT id, token_id, token_prefix, student_id, teacher_id, success, failure_reason, ip, user_agent, created_at
		FROM share_token_access_log
		WHERE student_id = $1 AND teacher_id = $2
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, studentID, teacherID, limit)
	if err != nil {
		return nil, mapErr("list token access log", err)
	}
	defer rows.Close()

	var entries []*model.TokenAccessLog
	for rows.Next() {
		var e model.TokenAccessLog
		err := rows.Scan(
			&e.ID,
			&e.TokenID,
			&e.TokenPrefix,
			&e.StudentID,
			&e.TeacherID,
			&e.Success,
			&e.FailureReason,
			&e.IP,
			&e.UserAgent,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, mapErr("list token access log", fmt.Errorf("scan access log: %w", err))
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr("list token access log", err)
	}

	return entries, nil
}
