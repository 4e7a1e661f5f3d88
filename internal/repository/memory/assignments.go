package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
)

type assignmentRepo struct{ t *tx }

func (r *assignmentRepo) Create(_ context.Context, a *model.Assignment) error {
	a.ID = r.t.st.nextID()
	a.CreatedAt = r.t.now()
	stored := *a
	stored.SlotIDs = append([]int64(nil), a.SlotIDs...)
	r.t.st.assignments[a.ID] = stored
	return nil
}

func (r *assignmentRepo) GetByID(_ context.Context, id int64) (*model.Assignment, error) {
	a, ok := r.t.st.assignments[id]
	if !ok {
		return nil, apperr.NotFound("get assignment by id", "assignment %d not found", id)
	}
	a.SlotIDs = append([]int64(nil), a.SlotIDs...)
	return &a, nil
}

func (r *assignmentRepo) GetForUpdate(ctx context.Context, id int64) (*model.Assignment, error) {
	return r.GetByID(ctx, id)
}

func (r *assignmentRepo) list(keep func(*model.Assignment) bool) []*model.Assignment {
	var out []*model.Assignment
	for _, v := range r.t.st.assignments {
		a := v
		if keep(&a) {
			a.SlotIDs = append([]int64(nil), a.SlotIDs...)
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *assignmentRepo) ListPendingByStudent(_ context.Context, studentID int64) ([]*model.Assignment, error) {
	return r.list(func(a *model.Assignment) bool {
		return a.StudentID == studentID && a.IsPending()
	}), nil
}

func (r *assignmentRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.Assignment, error) {
	out := r.list(func(a *model.Assignment) bool {
		return a.IsPending() && a.IsExpired(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *assignmentRepo) Resolve(_ context.Context, id int64, status model.AssignmentStatus, at time.Time) error {
	a, ok := r.t.st.assignments[id]
	if !ok || !a.IsPending() {
		return apperr.Conflict("resolve assignment", "assignment %d is already resolved", id)
	}
	resolvedAt := at
	a.Status = status
	a.ResolvedAt = &resolvedAt
	r.t.st.assignments[id] = a
	return nil
}
