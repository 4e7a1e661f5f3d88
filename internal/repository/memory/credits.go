package memory

import (
	"context"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
)

type creditRepo struct{ t *tx }

func (r *creditRepo) GetAccount(_ context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	a, ok := r.t.st.accounts[key]
	if !ok {
		return nil, apperr.NotFound("get credit account", "no account for student %d and teacher %d", key.StudentID, key.TeacherID)
	}
	return &a, nil
}

func (r *creditRepo) GetAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	return r.GetAccount(ctx, key)
}

func (r *creditRepo) EnsureAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	if _, ok := r.t.st.accounts[key]; !ok {
		now := r.t.now()
		r.t.st.accounts[key] = model.CreditAccount{
			ID:        r.t.st.nextID(),
			StudentID: key.StudentID,
			TeacherID: key.TeacherID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return r.GetAccount(ctx, key)
}

func (r *creditRepo) UpdateAccount(_ context.Context, a *model.CreditAccount) error {
	// то же, что CHECK-ограничения credit_accounts
	if !a.Consistent() {
		return apperr.Conflict("update credit account", "account %d would become inconsistent", a.ID)
	}
	if _, ok := r.t.st.accounts[a.Key()]; !ok {
		return apperr.NotFound("update credit account", "account %d not found", a.ID)
	}
	a.UpdatedAt = r.t.now()
	r.t.st.accounts[a.Key()] = *a
	return nil
}

func (r *creditRepo) InsertTransaction(_ context.Context, t *model.CreditTransaction) error {
	if t.Reference != nil && t.Reference.Type == model.ReferenceBooking {
		for _, existing := range r.t.st.transactions {
			if existing.Reference != nil && *existing.Reference == *t.Reference && existing.Type == t.Type {
				return apperr.Conflict("insert credit transaction", "booking %d already has a %s", t.Reference.ID, t.Type)
			}
		}
	}

	t.ID = r.t.st.nextID()
	t.CreatedAt = r.t.now()
	stored := *t
	if t.Reference != nil {
		ref := *t.Reference
		stored.Reference = &ref
	}
	r.t.st.transactions = append(r.t.st.transactions, stored)
	return nil
}

func (r *creditRepo) ListTransactions(_ context.Context, accountID int64) ([]*model.CreditTransaction, error) {
	var out []*model.CreditTransaction
	for _, v := range r.t.st.transactions {
		if v.AccountID == accountID {
			t := v
			out = append(out, &t)
		}
	}
	return out, nil
}

func (r *creditRepo) ListByReference(_ context.Context, ref model.Reference) ([]*model.CreditTransaction, error) {
	var out []*model.CreditTransaction
	for _, v := range r.t.st.transactions {
		if v.Reference != nil && *v.Reference == ref {
			t := v
			out = append(out, &t)
		}
	}
	return out, nil
}
