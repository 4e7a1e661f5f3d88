package memory

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
)

type tokenRepo struct{ t *tx }

func (r *tokenRepo) Create(_ context.Context, tok *model.ShareToken) error {
	for _, existing := range r.t.st.tokens {
		if bytes.Equal(existing.TokenHash, tok.TokenHash) {
			return apperr.Conflict("create share token", "token hash collision")
		}
		if tok.IsActive && existing.IsActive && existing.StudentID == tok.StudentID && existing.TeacherID == tok.TeacherID {
			return apperr.Conflict("create share token", "pair already has an active token")
		}
	}

	tok.ID = r.t.st.nextID()
	tok.CreatedAt = r.t.now()
	stored := *tok
	stored.TokenHash = append([]byte(nil), tok.TokenHash...)
	r.t.st.tokens[tok.ID] = stored
	return nil
}

func (r *tokenRepo) DeactivatePair(_ context.Context, studentID, teacherID int64) (int64, error) {
	var n int64
	for id, tok := range r.t.st.tokens {
		if tok.StudentID == studentID && tok.TeacherID == teacherID && tok.IsActive {
			tok.IsActive = false
			r.t.st.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) find(hash []byte) (model.ShareToken, bool) {
	for _, tok := range r.t.st.tokens {
		if bytes.Equal(tok.TokenHash, hash) {
			return tok, true
		}
	}
	return model.ShareToken{}, false
}

func (r *tokenRepo) Touch(_ context.Context, hash []byte, now time.Time) (*model.ShareToken, error) {
	tok, ok := r.find(hash)
	if !ok || !tok.IsValidAt(now) {
		return nil, apperr.NotFound("touch share token", "no valid token")
	}
	at := now
	tok.AccessCount++
	tok.LastAccessedAt = &at
	r.t.st.tokens[tok.ID] = tok
	return &tok, nil
}

func (r *tokenRepo) GetByHash(_ context.Context, hash []byte) (*model.ShareToken, error) {
	tok, ok := r.find(hash)
	if !ok {
		return nil, apperr.NotFound("get share token", "token not found")
	}
	return &tok, nil
}

func (r *tokenRepo) InsertAccessLog(_ context.Context, e *model.TokenAccessLog) error {
	e.ID = r.t.st.nextID()
	r.t.st.accessLog = append(r.t.st.accessLog, *e)
	return nil
}

func (r *tokenRepo) ListAccessLog(_ context.Context, studentID, teacherID int64, limit int) ([]*model.TokenAccessLog, error) {
	var out []*model.TokenAccessLog
	for _, v := range r.t.st.accessLog {
		if v.StudentID != nil && *v.StudentID == studentID && v.TeacherID != nil && *v.TeacherID == teacherID {
			e := v
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type guardianRepo struct{ t *tx }

func (r *guardianRepo) Link(_ context.Context, key model.GuardianKey) error {
	if _, ok := r.t.st.guardians[key]; ok {
		return nil
	}
	r.t.st.guardians[key] = model.GuardianLink{
		ID:         r.t.st.nextID(),
		GuardianID: key.GuardianID,
		StudentID:  key.StudentID,
		TeacherID:  key.TeacherID,
		GrantedAt:  r.t.now(),
	}
	return nil
}

func (r *guardianRepo) IsGuardian(_ context.Context, key model.GuardianKey) (bool, error) {
	_, ok := r.t.st.guardians[key]
	return ok, nil
}
