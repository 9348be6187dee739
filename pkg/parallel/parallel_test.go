package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/util"
)

func okTask(id string) Task {
	return Task{ID: id, Run: func(ctx context.Context) Outcome {
		return Outcome{OK: true, Message: id + " done"}
	}}
}

func TestRun_OneOutcomePerTask(t *testing.T) {
	r := &Runner{}
	tasks := []Task{
		okTask("a"),
		{ID: "b", Run: func(ctx context.Context) Outcome {
			return Outcome{Err: errors.New("unreachable")}
		}},
		okTask("c"),
	}
	out, err := r.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.True(t, out["a"].OK)
	assert.False(t, out["b"].OK)
	assert.Equal(t, []string{"b"}, Failed(out))
}

func TestRun_DuplicateIDRejected(t *testing.T) {
	var ran int32
	task := Task{ID: "x", Run: func(ctx context.Context) Outcome {
		atomic.AddInt32(&ran, 1)
		return Outcome{OK: true}
	}}
	_, err := (&Runner{}).Run(context.Background(), []Task{task, task})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrInvalidConfig))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestRun_NilFuncRejected(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(), []Task{{ID: "x"}})
	assert.True(t, errors.Is(err, util.ErrInvalidConfig))
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	tasks := []Task{
		{ID: "bad", Run: func(ctx context.Context) Outcome { panic("kaboom") }},
		okTask("good"),
	}
	out, err := (&Runner{}).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out["bad"].OK)
	assert.Contains(t, out["bad"].Err.Error(), "kaboom")
	assert.True(t, out["good"].OK)
}

func TestRun_WorkerLimit(t *testing.T) {
	var active, peak int32
	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task{ID: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) Outcome {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return Outcome{OK: true}
		}})
	}
	out, err := (&Runner{Workers: 2}).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Len(t, out, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := (&Runner{}).Run(ctx, []Task{okTask("a"), okTask("b")})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, o := range out {
		assert.False(t, o.OK)
		assert.True(t, errors.Is(o.Err, context.Canceled))
	}
}

func TestRun_Empty(t *testing.T) {
	out, err := (&Runner{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRun_Sink(t *testing.T) {
	sink := store.NewMemoryStore()
	r := &Runner{RunID: "run-7", Sink: sink}
	_, err := r.Run(context.Background(), []Task{
		okTask("a"),
		{ID: "b", Run: func(ctx context.Context) Outcome { return Outcome{Err: errors.New("no reply")} }},
	})
	require.NoError(t, err)

	got, err := sink.Results(context.Background(), "run-7")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got["a"].OK)
	assert.Equal(t, "no reply", got["b"].Error)
}

func TestRun_SinkWithoutRunID(t *testing.T) {
	sink := store.NewMemoryStore()
	_, err := (&Runner{Sink: sink}).Run(context.Background(), []Task{okTask("a")})
	require.NoError(t, err)
	assert.Len(t, NewRunID(), 36)
	assert.NotEqual(t, NewRunID(), NewRunID())
}
