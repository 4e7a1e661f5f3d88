package postgres

import (
	"context"

	"github.com/Freeeeeet/booking_core/internal/model"
)

type GuardianRepository struct {
	q Querier
}

// Link связывает опекуна с учеником в пределах учителя
func (r *GuardianRepository) Link(ctx context.Context, key model.GuardianKey) error {
	query := `
		INSERT INTO guardian_links (guardian_id, student_id, teacher_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (guardian_id, student_id, teacher_id) DO NOTHING
	`

	_, err := r.q.Exec(ctx, query, key.GuardianID, key.StudentID, key.TeacherID)
	return mapErr("link guardian", err)
}

// IsGuardian проверяет, может ли пользователь действовать за ученика
func (r *GuardianRepository) IsGuardian(ctx context.Context, key model.GuardianKey) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM guardian_links
			WHERE guardian_id = $1 AND student_id = $2 AND teacher_id = $3
		)
	`

	var exists bool
	err := r.q.QueryRow(ctx, query, key.GuardianID, key.StudentID, key.TeacherID).Scan(&exists)
	if err != nil {
		return false, mapErr("check guardian", err)
	}

	return exists, nil
}
