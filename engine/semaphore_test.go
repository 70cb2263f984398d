package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/engineerr"
)

func TestInProcessSemaphore_EnforcesLimit(t *testing.T) {
	sem := NewInProcessSemaphore(2)
	ctx := context.Background()

	release1, err := sem.Acquire(ctx)
	require.NoError(t, err)
	release2, err := sem.Acquire(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = sem.Acquire(shortCtx)
	require.Error(t, err)
	var ee *engineerr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engineerr.KindTimeout, ee.Kind)

	release1()

	release3, err := sem.Acquire(ctx)
	require.NoError(t, err, "releasing a slot must make room for the next acquirer")
	release2()
	release3()
}

func TestInProcessSemaphore_ReleaseIsIdempotent(t *testing.T) {
	sem := NewInProcessSemaphore(1)
	release, err := sem.Acquire(context.Background())
	require.NoError(t, err)

	release()
	assert.NotPanics(t, func() { release() })
}
