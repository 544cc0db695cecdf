package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flock/internal/cache"
	"github.com/dreamware/flock/internal/supervisor"
)

func stopPool(t *testing.T, p *supervisor.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

// TestLocalSpawnerPool verifies in-process workers bring a pool to ready
// and stop with it.
func TestLocalSpawnerPool(t *testing.T) {
	pool := supervisor.NewPool(supervisor.Config{
		Desired: 2,
		Spawner: &LocalSpawner{},
		Handler: cache.NewStore(),
	})

	require.NoError(t, pool.Start(context.Background()))
	workers := pool.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, 1, workers[0].ID)
	assert.Equal(t, 2, workers[1].ID)

	stopPool(t, pool)
	assert.Empty(t, pool.Workers())
}

// TestLocalSpawnerBootstrapFailure verifies a worker that fails to
// bootstrap aborts pool startup.
func TestLocalSpawnerBootstrapFailure(t *testing.T) {
	boom := errors.New("migration failed")
	pool := supervisor.NewPool(supervisor.Config{
		Desired: 3,
		Spawner: &LocalSpawner{
			Bootstrap: func(_ context.Context, id int) error {
				if id == 2 {
					return boom
				}
				return nil
			},
		},
		Handler: cache.NewStore(),
	})
	defer stopPool(t, pool)

	err := pool.Start(context.Background())
	require.ErrorIs(t, err, supervisor.ErrWorkerExitedOnStartup)
	assert.Contains(t, err.Error(), "migration failed")
	assert.Equal(t, supervisor.StateFailed, pool.State())
}
