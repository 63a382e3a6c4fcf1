package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/audit"
	"mama/internal/store"
)

func newTestService(t *testing.T, runTask RunTaskFunc) (*Service, *audit.MemoryStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	auditStore := audit.NewMemoryStore(100)
	return New(db, runTask, NewParser(nil, nil), auditStore, nil), auditStore
}

func TestCreateJobPersistsAndSchedules(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "morning brief", "every day at 08:00", "summarize my inbox", "")
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ID)
	assert.Equal(t, "morning brief", summary.Name)
	assert.Equal(t, "0 8 * * *", summary.Schedule)
	assert.True(t, summary.Enabled)
	require.NotNil(t, summary.NextRun)
	assert.True(t, summary.NextRun.After(time.Now()))

	job, err := svc.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "cron", job.Type)
	assert.Equal(t, "summarize my inbox", job.Task)
	assert.Equal(t, 0, job.RunCount)
}

func TestCreateJobDefaultsNameFromTask(t *testing.T) {
	svc, _ := newTestService(t, nil)

	long := "check the weather and the calendar and the news and everything else"
	summary, err := svc.CreateJob(context.Background(), "", "hourly", long, "")
	require.NoError(t, err)
	assert.Equal(t, long[:40], summary.Name)
}

func TestCreateJobRejectsBadSchedule(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.CreateJob(context.Background(), "x", "whenever", "task", "")
	assert.Error(t, err)
}

func TestListJobsOrderedByName(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, "zebra", "hourly", "b", "")
	require.NoError(t, err)
	_, err = svc.CreateJob(ctx, "alpha", "hourly", "a", "")
	require.NoError(t, err)

	jobs, err := svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "alpha", jobs[0].Name)
	assert.Equal(t, "zebra", jobs[1].Name)
}

func TestDisableJobClearsNextRun(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)

	require.NoError(t, svc.DisableJob(ctx, summary.ID))
	job, err := svc.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Nil(t, job.NextRun)
}

func TestEnableJobRecomputesNextRun(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)
	require.NoError(t, svc.DisableJob(ctx, summary.ID))

	require.NoError(t, svc.EnableJob(ctx, summary.ID))
	job, err := svc.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now().Add(-time.Second)))
}

func TestDisableJobNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)
	err := svc.DisableJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestDeleteJob(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteJob(ctx, summary.ID))
	_, err = svc.GetJob(ctx, summary.ID)
	assert.Error(t, err)

	err = svc.DeleteJob(ctx, summary.ID)
	assert.Error(t, err)
}

func TestUpcomingFiltersDisabledAndOrders(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	daily, err := svc.CreateJob(ctx, "daily", "daily", "daily task", "")
	require.NoError(t, err)
	hourly, err := svc.CreateJob(ctx, "hourly", "every minute", "minute task", "")
	require.NoError(t, err)
	off, err := svc.CreateJob(ctx, "off", "hourly", "disabled task", "")
	require.NoError(t, err)
	require.NoError(t, svc.DisableJob(ctx, off.ID))

	upcoming, err := svc.Upcoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, hourly.ID, upcoming[0].ID)
	assert.Equal(t, daily.ID, upcoming[1].ID)
	assert.Equal(t, "minute task", upcoming[0].Description)
	assert.False(t, upcoming[0].NextRun.IsZero())
}

func TestRunJobNowPersistsResultAndAudits(t *testing.T) {
	var gotTask, gotContext string
	runTask := func(ctx context.Context, task, invocationContext string) (string, error) {
		gotTask = task
		gotContext = invocationContext
		return "done", nil
	}
	svc, auditStore := newTestService(t, runTask)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "brief", "hourly", "write the brief", "")
	require.NoError(t, err)

	output, err := svc.RunJobNow(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", output)
	assert.Equal(t, "write the brief", gotTask)
	assert.Contains(t, gotContext, summary.ID)

	job, err := svc.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RunCount)
	require.NotNil(t, job.LastRun)
	require.NotNil(t, job.LastResult)
	assert.True(t, job.LastResult.Success)
	assert.Equal(t, "done", job.LastResult.Output)

	entries, err := auditStore.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduler", entries[0].Capability)
	assert.Equal(t, "run_job", entries[0].Action)
	assert.Equal(t, summary.ID, entries[0].Resource)
	assert.Equal(t, audit.DecisionAutoApproved, entries[0].Decision)
	assert.Equal(t, audit.ResultSuccess, entries[0].Result)
	assert.Equal(t, "scheduler", entries[0].RequestedBy)
}

func TestRunJobNowTaskFailure(t *testing.T) {
	runTask := func(ctx context.Context, task, invocationContext string) (string, error) {
		return "", errors.New("agent exploded")
	}
	svc, auditStore := newTestService(t, runTask)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)

	_, err = svc.RunJobNow(ctx, summary.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent exploded")

	job, err := svc.GetJob(ctx, summary.ID)
	require.NoError(t, err)
	require.NotNil(t, job.LastResult)
	assert.False(t, job.LastResult.Success)
	assert.Equal(t, "agent exploded", job.LastResult.Error)

	entries, err := auditStore.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ResultError, entries[0].Result)
}

func TestRunJobNowWithoutRunner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	summary, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)

	_, err = svc.RunJobNow(ctx, summary.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task runner configured")
}

func TestStartStopIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, "j", "hourly", "task", "")
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	svc.Stop()
	svc.Stop()
}
