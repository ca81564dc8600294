package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	var fired []string

	clock.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	clock.AfterFunc(1*time.Minute, func() { fired = append(fired, "a") })
	clock.AfterFunc(10*time.Minute, func() { fired = append(fired, "c") })

	clock.Advance(5 * time.Minute)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(5*time.Minute), clock.Now())
	assert.Equal(t, 1, clock.Pending())
}

func TestFakeClockStoppedTimerNeverFires(t *testing.T) {
	clock := NewFakeClock(epoch)
	fired := false

	timer := clock.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestScheduleReplacesPendingTask(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	var got []int

	s.Schedule("reactivate:a", time.Minute, func() { got = append(got, 1) })
	s.Schedule("reactivate:a", 3*time.Minute, func() { got = append(got, 2) })

	clock.Advance(2 * time.Minute)
	assert.Empty(t, got)
	assert.True(t, s.Pending("reactivate:a"))

	clock.Advance(time.Minute)
	assert.Equal(t, []int{2}, got)
	assert.False(t, s.Pending("reactivate:a"))
}

func TestScheduleNoEarlierKeepsLaterTask(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	var got []int

	require.True(t, s.ScheduleNoEarlier("reactivate:a", time.Hour, func() { got = append(got, 1) }))
	assert.False(t, s.ScheduleNoEarlier("reactivate:a", 5*time.Minute, func() { got = append(got, 2) }))

	due, ok := s.Due("reactivate:a")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), due)

	clock.Advance(30 * time.Minute)
	assert.Empty(t, got)

	require.True(t, s.ScheduleNoEarlier("reactivate:a", time.Hour, func() { got = append(got, 3) }))
	clock.Advance(30 * time.Minute)
	assert.Empty(t, got)
	clock.Advance(30 * time.Minute)
	assert.Equal(t, []int{3}, got)

	_, ok = s.Due("reactivate:a")
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	fired := false

	s.Schedule("k", time.Minute, func() { fired = true })
	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"))

	clock.Advance(time.Hour)
	assert.False(t, fired)
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	count := 0

	s.Every("rescan", 5*time.Minute, func() { count++ })

	clock.Advance(16 * time.Minute)
	assert.Equal(t, 3, count)
	assert.Equal(t, []string{"rescan"}, s.Keys())

	s.Stop()
	clock.Advance(time.Hour)
	assert.Equal(t, 3, count)
	assert.Empty(t, s.Keys())
}

func TestScheduleAfterStopIsIgnored(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	s.Stop()

	s.Schedule("late", time.Second, func() { t.Fatal("task ran after Stop") })
	clock.Advance(time.Minute)
	assert.False(t, s.Pending("late"))
}

func TestPanickingTaskDoesNotKillScheduler(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)
	ran := false

	s.Schedule("bad", time.Second, func() { panic("boom") })
	s.Schedule("good", 2*time.Second, func() { ran = true })

	assert.NotPanics(t, func() { clock.Advance(time.Minute) })
	assert.True(t, ran)
}
