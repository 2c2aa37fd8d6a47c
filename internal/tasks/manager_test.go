package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/store"
	"github.com/ent0n29/foreman/internal/tasks"
)

func intPtr(v int) *int { return &v }

func TestCreateAppliesDefaultsAndFiresHook(t *testing.T) {
	mgr := tasks.NewManager(store.NewMemory())
	var created []tasks.Task
	mgr.SetCreateHook(func(t tasks.Task) { created = append(created, t) })

	task, err := mgr.Create(context.Background(), tasks.CreateRequest{
		ProjectID:   " demo ",
		Command:     " run tests ",
		Description: "Run the suite",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "demo", task.ProjectID)
	assert.Equal(t, "run tests", task.Command)
	assert.Equal(t, tasks.StatusPending, task.Status)
	assert.Equal(t, 5, task.Priority)
	require.Len(t, created, 1)
	assert.Equal(t, task.ID, created[0].ID)

	got, err := mgr.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Command, got.Command)
}

func TestCreateValidation(t *testing.T) {
	mgr := tasks.NewManager(store.NewMemory())
	ctx := context.Background()

	cases := map[string]tasks.CreateRequest{
		"missing project":  {Command: "ls"},
		"missing command":  {ProjectID: "demo", Command: "  "},
		"priority too low": {ProjectID: "demo", Command: "ls", Priority: intPtr(-1)},
		"priority too big": {ProjectID: "demo", Command: "ls", Priority: intPtr(11)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mgr.Create(ctx, req)
			require.ErrorIs(t, err, tasks.ErrInvalidRequest)
		})
	}

	task, err := mgr.Create(ctx, tasks.CreateRequest{ProjectID: "demo", Command: "ls", Priority: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, task.Priority)
}

func TestListOrdersAndFilters(t *testing.T) {
	mem := store.NewMemory()
	mgr := tasks.NewManager(mem)
	ctx := context.Background()

	for _, order := range []int{3, 1, 2} {
		_, err := mgr.Create(ctx, tasks.CreateRequest{ProjectID: "demo", Command: "cmd", SortOrder: order})
		require.NoError(t, err)
	}
	_, err := mgr.Create(ctx, tasks.CreateRequest{ProjectID: "other", Command: "cmd"})
	require.NoError(t, err)

	list, err := mgr.List(ctx, "demo", tasks.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].SortOrder, list[1].SortOrder, list[2].SortOrder})

	_, err = mem.ClaimNext(ctx, "demo", time.Now())
	require.NoError(t, err)
	pending, err := mgr.List(ctx, "demo", tasks.ListFilter{Status: tasks.StatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].SortOrder)

	_, err = mgr.List(ctx, "demo", tasks.ListFilter{Status: "bogus"})
	require.ErrorIs(t, err, tasks.ErrInvalidRequest)
}

func TestResetOnlyFromProcessing(t *testing.T) {
	mem := store.NewMemory()
	mgr := tasks.NewManager(mem)
	ctx := context.Background()

	task, err := mgr.Create(ctx, tasks.CreateRequest{ProjectID: "demo", Command: "ls"})
	require.NoError(t, err)

	_, err = mgr.Reset(ctx, task.ID)
	require.ErrorIs(t, err, tasks.ErrInvalidTaskState)

	_, err = mem.ClaimNext(ctx, "demo", time.Now())
	require.NoError(t, err)
	reset, err := mgr.Reset(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, reset.Status)

	_, err = mgr.Get(ctx, " ")
	require.ErrorIs(t, err, tasks.ErrInvalidRequest)
}
