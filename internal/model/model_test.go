package model

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoursString(t *testing.T) {
	assert.Equal(t, "1.50h", Minutes(90).String())
	assert.Equal(t, "0.75h", Minutes(45).String())
	assert.Equal(t, "2.00h", WholeHours(2).String())
	assert.Equal(t, "-1.25h", Minutes(-75).String())
	assert.Equal(t, "0.33h", Minutes(20).String())
}

func TestParseHours(t *testing.T) {
	tests := []struct {
		in   string
		want Hours
	}{
		{"1", WholeHours(1)},
		{"1.5", Minutes(90)},
		{"1,25", Minutes(75)},
		{"0.75h", Minutes(45)},
		{" 2.50 ", Minutes(150)},
		{"3.0", WholeHours(3)},
	}
	for _, tt := range tests {
		got, err := ParseHours(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "-1", "1.3", "1.333", "153722867280912931", "9223372036854775807"} {
		_, err := ParseHours(bad)
		assert.Error(t, err, bad)
	}

	largest, err := ParseHours(strconv.FormatInt(maxWholeHours, 10) + ".75")
	require.NoError(t, err)
	assert.Equal(t, Hours(maxWholeHours*60+45), largest)
	assert.Positive(t, int64(largest))
}

func TestHoursQuarterAligned(t *testing.T) {
	assert.True(t, Minutes(15).IsQuarterAligned())
	assert.True(t, WholeHours(3).IsQuarterAligned())
	assert.False(t, Minutes(50).IsQuarterAligned())
}

func TestCreditAccountApply(t *testing.T) {
	var a CreditAccount

	assert.Equal(t, WholeHours(3), a.Apply(TransactionPurchase, WholeHours(3)))
	assert.Equal(t, WholeHours(2), a.Apply(TransactionDeduction, WholeHours(1)))
	assert.Equal(t, Minutes(150), a.Apply(TransactionRefund, Minutes(30)))

	assert.Equal(t, WholeHours(3), a.LifetimePurchased)
	assert.Equal(t, WholeHours(1), a.LifetimeUsed)
	assert.Equal(t, Minutes(30), a.LifetimeRefunded)
	assert.True(t, a.Consistent())

	a.Balance = -1
	assert.False(t, a.Consistent())

	assert.Equal(t, -WholeHours(1), SignedAmount(TransactionDeduction, WholeHours(1)))
	assert.Equal(t, WholeHours(1), SignedAmount(TransactionRefund, WholeHours(1)))
}

func TestPreviewSpendable(t *testing.T) {
	p := Preview{Balance: WholeHours(2), Pending: WholeHours(3)}
	assert.Equal(t, -WholeHours(1), p.Spendable())
}

func TestSlotAssignmentFields(t *testing.T) {
	s := &Slot{Status: SlotStatusAvailable}
	assert.False(t, s.HasAssignmentFields())

	a := &SlotAssignment{AssignmentID: 7, StudentID: 1, StudentName: "Anna", ExpiresAt: time.Now()}
	a.Apply(s)
	assert.True(t, s.HasAssignmentFields())
	require.NotNil(t, s.AssignmentStatus)
	assert.Equal(t, AssignmentStatusPending, *s.AssignmentStatus)

	s.ClearAssignment()
	assert.False(t, s.HasAssignmentFields())
}

func TestSlotOverlaps(t *testing.T) {
	start := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	s := &Slot{StartTime: start, EndTime: start.Add(time.Hour)}

	assert.True(t, s.Overlaps(start.Add(30*time.Minute), start.Add(2*time.Hour)))
	assert.True(t, s.Overlaps(start.Add(-time.Hour), start.Add(time.Minute)))
	assert.False(t, s.Overlaps(start.Add(time.Hour), start.Add(2*time.Hour)))
	assert.False(t, s.Overlaps(start.Add(-time.Hour), start))

	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), SlotDate(start))
}

func TestSessionFactMatches(t *testing.T) {
	start := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	f := &SessionFact{ExternalSessionID: "s", StartTime: start, ParticipantIDs: []int64{1, 2}}

	assert.True(t, f.Matches(1, start, start.Add(time.Hour)))
	assert.False(t, f.Matches(3, start, start.Add(time.Hour)))
	assert.False(t, f.Matches(1, start.Add(time.Minute), start.Add(time.Hour)))
	assert.False(t, f.Matches(1, start.Add(-time.Hour), start))
}

func TestBookingLiveness(t *testing.T) {
	for status, live := range map[BookingStatus]bool{
		BookingStatusConfirmed: true,
		BookingStatusCompleted: true,
		BookingStatusNoShow:    true,
		BookingStatusCancelled: false,
	} {
		b := &Booking{Status: status}
		assert.Equal(t, live, b.IsLive(), string(status))
	}
}
