// Package feed источники фактов о состоявшихся занятиях для sweeper'а
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

// Querier часть пула pgx, нужная для чтения
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresFeed читает таблицу class_sessions, которую заполняет сервис видеозанятий
type PostgresFeed struct {
	q Querier
}

func NewPostgresFeed(q Querier) *PostgresFeed {
	return &PostgresFeed{q: q}
}

// Sessions факты с началом в [from, to)
func (f *PostgresFeed) Sessions(ctx context.Context, from, to time.Time) ([]model.SessionFact, error) {
	query := `
		SELECT external_session_id, start_time, participant_ids
		FROM class_sessions
		WHERE start_time >= $1 AND start_time < $2
		ORDER BY start_time
	`

	rows, err := f.q.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query class sessions: %w", err)
	}
	defer rows.Close()

	var facts []model.SessionFact
	for rows.Next() {
		var fact model.SessionFact
		if err := rows.Scan(&fact.ExternalSessionID, &fact.StartTime, &fact.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("scan class session: %w", err)
		}
		facts = append(facts, fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate class sessions: %w", err)
	}

	return facts, nil
}

// Static факты в памяти
type Static struct {
	mu    sync.Mutex
	facts []model.SessionFact
}

func NewStatic(facts ...model.SessionFact) *Static {
	return &Static{facts: facts}
}

// Add добавляет факты
func (f *Static) Add(facts ...model.SessionFact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, facts...)
}

func (f *Static) Sessions(_ context.Context, from, to time.Time) ([]model.SessionFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.SessionFact
	for _, fact := range f.facts {
		if !fact.StartTime.Before(from) && fact.StartTime.Before(to) {
			out = append(out, fact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}
