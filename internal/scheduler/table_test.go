package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"mp_watcher/internal/schedule"
)

func intervalSpec(id, targetID string, every time.Duration) schedule.TriggerSpec {
	return schedule.TriggerSpec{
		ID:       id,
		TargetID: targetID,
		Spec:     "@every " + every.String(),
		Schedule: cron.Every(every),
	}
}

func TestTable_RebuildReplacesEntries(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()

	table.Rebuild([]schedule.TriggerSpec{
		intervalSpec("1", "1", time.Minute),
		intervalSpec("2", "2", time.Hour),
	}, now)
	require.Equal(t, 2, table.Len())

	table.Rebuild([]schedule.TriggerSpec{
		intervalSpec("3", "3", time.Minute),
	}, now)
	require.Equal(t, 1, table.Len())

	next := table.NextFireTimes()
	require.Contains(t, next, "3")
	require.NotContains(t, next, "1")
}

func TestTable_CollectSkipsNotDue(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()
	table.Rebuild([]schedule.TriggerSpec{intervalSpec("1", "1", time.Hour)}, now)

	fire, expired := table.Collect(now.Add(time.Minute), 5*time.Minute)
	require.Empty(t, fire)
	require.Empty(t, expired)
}

func TestTable_CollectFiresWithinGrace(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()
	table.Rebuild([]schedule.TriggerSpec{intervalSpec("1", "1", time.Minute)}, now)

	// due at 10:01, collected at 10:03 with 5m grace
	fire, expired := table.Collect(now.Add(3*time.Minute), 5*time.Minute)
	require.Len(t, fire, 1)
	require.Empty(t, expired)
	require.Equal(t, "1", fire[0].TriggerID)
	require.Equal(t, now.Add(time.Minute), fire[0].Due)
}

func TestTable_CollectExpiresBeyondGrace(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()
	table.Rebuild([]schedule.TriggerSpec{intervalSpec("1", "1", time.Minute)}, now)

	// due at 10:01, collected at 10:10 with 5m grace: dropped
	fire, expired := table.Collect(now.Add(10*time.Minute), 5*time.Minute)
	require.Empty(t, fire)
	require.Len(t, expired, 1)
	require.Equal(t, "1", expired[0].TriggerID)
}

func TestTable_CollectAdvancesNextEitherWay(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()
	table.Rebuild([]schedule.TriggerSpec{
		intervalSpec("fired", "1", time.Minute),
		intervalSpec("dropped", "2", time.Minute),
	}, now)

	at := now.Add(10 * time.Minute)
	table.Collect(at, time.Minute)

	for id, next := range table.NextFireTimes() {
		require.True(t, next.After(at), "trigger %s not advanced past collect time", id)
	}

	// immediately re-collecting finds nothing due
	fire, expired := table.Collect(at, time.Minute)
	require.Empty(t, fire)
	require.Empty(t, expired)
}

func TestTable_CollectOrdersFiresByDueTime(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	table := NewTable()
	table.Rebuild([]schedule.TriggerSpec{
		intervalSpec("later", "1", 2*time.Minute),
		intervalSpec("earlier", "1", time.Minute),
	}, now)

	fire, _ := table.Collect(now.Add(3*time.Minute), 10*time.Minute)
	require.Len(t, fire, 2)
	require.Equal(t, "earlier", fire[0].TriggerID)
	require.Equal(t, "later", fire[1].TriggerID)
}
