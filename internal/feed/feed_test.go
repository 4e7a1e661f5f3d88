package feed

import (
	"context"
	"testing"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Sessions(t *testing.T) {
	base := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	f := NewStatic(
		model.SessionFact{ExternalSessionID: "late", StartTime: base.Add(2 * time.Hour)},
		model.SessionFact{ExternalSessionID: "early", StartTime: base},
	)
	f.Add(model.SessionFact{ExternalSessionID: "outside", StartTime: base.Add(3 * time.Hour)})

	facts, err := f.Sessions(context.Background(), base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "early", facts[0].ExternalSessionID)
	assert.Equal(t, "late", facts[1].ExternalSessionID)

	facts, err = f.Sessions(context.Background(), base.Add(-time.Hour), base)
	require.NoError(t, err)
	assert.Empty(t, facts)
}
