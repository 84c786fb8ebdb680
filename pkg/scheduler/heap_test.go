package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guardant/guardant/pkg/types"
)

func entry(id string, due, interval int64) *types.ScheduleEntry {
	return &types.ScheduleEntry{
		ServiceID:  id,
		NextDueAt:  due,
		IntervalMs: interval,
		Regions:    []string{"eu-west"},
	}
}

func TestPopDueOrdersByDueTime(t *testing.T) {
	s := newSchedule()
	s.upsert(entry("c", 300, 60_000))
	s.upsert(entry("a", 100, 60_000))
	s.upsert(entry("b", 200, 60_000))

	assert.Equal(t, "a", s.popDue(1000).ServiceID)
	assert.Equal(t, "b", s.popDue(1000).ServiceID)
	assert.Equal(t, "c", s.popDue(1000).ServiceID)
	assert.Nil(t, s.popDue(1000))
}

func TestPopDueRespectsDueTime(t *testing.T) {
	s := newSchedule()
	s.upsert(entry("a", 500, 60_000))

	assert.Nil(t, s.popDue(499))
	got := s.popDue(500)
	assert.NotNil(t, got)
	assert.Equal(t, "a", got.ServiceID)
}

func TestUpsertSupersedesStaleHeapCopies(t *testing.T) {
	s := newSchedule()
	s.upsert(entry("a", 100, 60_000))
	s.upsert(entry("a", 900, 30_000)) // interval change re-queued the service

	got := s.popDue(1000)
	assert.NotNil(t, got)
	assert.Equal(t, int64(30_000), got.IntervalMs)
	assert.Nil(t, s.popDue(1000), "the stale copy must not be delivered")
	assert.Equal(t, 1, s.len())
}

func TestRemoveInvalidatesEntry(t *testing.T) {
	s := newSchedule()
	s.upsert(entry("a", 100, 60_000))
	s.remove("a")

	assert.Nil(t, s.popDue(1000))
	assert.Equal(t, 0, s.len())
}

func TestRescheduleKeepsCadence(t *testing.T) {
	s := newSchedule()
	e := entry("a", 100, 60_000)
	s.upsert(e)

	got := s.popDue(100)
	assert.NotNil(t, got)
	s.reschedule(got, 60_100)

	assert.Nil(t, s.popDue(60_099))
	next := s.popDue(60_100)
	assert.NotNil(t, next)
	assert.Equal(t, "a", next.ServiceID)
}
