package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsync/internal/model"
)

type memState struct {
	v model.Vehicle
}

func (m *memState) SetSchedule(_ context.Context, id, cadence string, last, next *time.Time) error {
	m.v.ID = id
	m.v.Cadence = cadence
	m.v.LastRunAt = last
	m.v.NextRunAt = next
	return nil
}

type jobs struct {
	ids     []string
	pending bool
	err     error
}

func (j *jobs) EnqueueSync(_ context.Context, id string) (bool, error) {
	if j.err != nil {
		return false, j.err
	}
	if j.pending {
		return false, nil
	}
	j.ids = append(j.ids, id)
	return true, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(start time.Time) (*Scheduler, *memState, *jobs, *clock) {
	st := &memState{}
	j := &jobs{}
	c := &clock{t: start}
	s := New(st, j)
	s.Now = c.now
	return s, st, j, c
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(""))
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.NoError(t, Validate("@hourly"))
	assert.ErrorIs(t, Validate("*/5 * * *"), ErrBadCronExpression)
	assert.ErrorIs(t, Validate("0 */5 * * * *"), ErrBadCronExpression)
	assert.ErrorIs(t, Validate("every five minutes"), ErrBadCronExpression)
}

func TestFirstScheduleRoundsUpToBoundary(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 2, 30, 0, time.UTC)
	s, st, _, _ := setup(start)
	got, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)
	assert.Equal(t, Scheduled, got.Kind)
	assert.Equal(t, start, got.Last)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC), got.Next)
	assert.Equal(t, "*/5 * * * *", st.v.Cadence)
	require.NotNil(t, st.v.NextRunAt)
	assert.Equal(t, got.Next, *st.v.NextRunAt)
}

func TestBadCadenceIsNotStored(t *testing.T) {
	s, st, _, _ := setup(time.Now())
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "61 * * * *", false)
	assert.ErrorIs(t, err, ErrBadCronExpression)
	assert.Equal(t, "", st.v.ID)
}

func TestTickFiresAndAdvancesExactlyOneInterval(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 2, 30, 0, time.UTC)
	s, st, j, c := setup(start)
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)

	// before next execution: no-op
	c.t = time.Date(2025, 3, 1, 10, 4, 0, 0, time.UTC)
	fired, _, err := s.Tick(context.Background(), st.v)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, j.ids)

	// at next execution
	c.t = time.Date(2025, 3, 1, 10, 5, 20, 0, time.UTC)
	fired, got, err := s.Tick(context.Background(), st.v)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, []string{"V1"}, j.ids)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 10, 0, 0, time.UTC), got.Next)
	assert.Equal(t, c.t, got.Last)

	// a second sweep before the new next execution does nothing
	c.t = time.Date(2025, 3, 1, 10, 6, 0, 0, time.UTC)
	fired, _, err = s.Tick(context.Background(), st.v)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Len(t, j.ids, 1)
}

func TestTickInitializesUnscheduledCadence(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, st, j, _ := setup(start)
	fired, got, err := s.Tick(context.Background(), model.Vehicle{ID: "V2", Cadence: "@hourly"})
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, j.ids)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), got.Next)
	assert.Equal(t, "@hourly", st.v.Cadence)
}

func TestTickEnqueueFailureDoesNotAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, st, j, c := setup(start)
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)
	before := *st.v.NextRunAt

	j.err = errors.New("queue down")
	c.t = before.Add(time.Minute)
	fired, _, err := s.Tick(context.Background(), st.v)
	assert.Error(t, err)
	assert.False(t, fired)
	assert.Equal(t, before, *st.v.NextRunAt)
}

func TestTickWithPendingSyncAdvancesWithoutFiring(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, st, j, c := setup(start)
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)

	j.pending = true
	c.t = time.Date(2025, 3, 1, 10, 5, 10, 0, time.UTC)
	fired, got, err := s.Tick(context.Background(), st.v)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, j.ids)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 10, 0, 0, time.UTC), got.Next)
	assert.Equal(t, got.Next, *st.v.NextRunAt)
}

func TestCadenceChangeKeepsNextUnlessForcedOrChanged(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC)
	s, st, _, c := setup(start)
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)
	next := *st.v.NextRunAt

	c.t = start.Add(90 * time.Second)
	got, err := s.OnCadenceChange(context.Background(), st.v, "*/5 * * * *", false)
	require.NoError(t, err)
	assert.Equal(t, next, got.Next)
	assert.Equal(t, c.t, got.Last)

	c.t = time.Date(2025, 3, 1, 10, 7, 0, 0, time.UTC)
	got, err = s.OnCadenceChange(context.Background(), st.v, "*/5 * * * *", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 10, 0, 0, time.UTC), got.Next)

	got, err = s.OnCadenceChange(context.Background(), st.v, "0 * * * *", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), got.Next)
}

func TestClearCadence(t *testing.T) {
	s, st, _, _ := setup(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	_, err := s.OnCadenceChange(context.Background(), model.Vehicle{ID: "V1"}, "*/5 * * * *", false)
	require.NoError(t, err)
	got, err := s.OnCadenceChange(context.Background(), st.v, "", false)
	require.NoError(t, err)
	assert.Equal(t, Unscheduled, got.Kind)
	assert.Nil(t, st.v.NextRunAt)
	assert.Equal(t, "", st.v.Cadence)

	fired, _, err := s.Tick(context.Background(), st.v)
	require.NoError(t, err)
	assert.False(t, fired)
}
