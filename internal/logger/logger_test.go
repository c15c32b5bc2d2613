package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrepareLogger_StoresLoggerInContext(t *testing.T) {
	ctx, lg := PrepareLogger(context.Background())

	require.NotNil(t, lg)
	assert.Same(t, lg, GetLogger(ctx))
}

func TestGetLogger_FallsBackWhenContextHasNone(t *testing.T) {
	lg := GetLogger(context.Background())
	assert.NotNil(t, lg, "GetLogger must never return nil")

	assert.NotNil(t, GetLogger(nil))
}

func TestWithLogger_PropagatesInjectedLogger(t *testing.T) {
	injected := zap.NewNop()
	ctx := WithLogger(context.Background(), injected)

	assert.Same(t, injected, GetLogger(ctx))
}

func TestWithFields_DerivesSubLogger(t *testing.T) {
	ctx, parent := PrepareLogger(context.Background())
	ctx = WithFields(ctx, zap.String("instance_id", "exp-1"))

	child := GetLogger(ctx)
	require.NotNil(t, child)
	assert.NotSame(t, parent, child)

	// Must not panic with the attached fields.
	child.Info("instance launched")
}

func TestWithComponent_DerivesSubLogger(t *testing.T) {
	ctx, _ := PrepareLogger(context.Background())
	ctx = WithComponent(ctx, "lifecycle-engine")

	GetLogger(ctx).Info("wait loop started")
}

func TestPrepareLoggerWithConfig(t *testing.T) {
	ctx, lg := PrepareLoggerWithConfig(context.Background(), zap.NewDevelopmentConfig())

	require.NotNil(t, lg)
	assert.Same(t, lg, GetLogger(ctx))
}

func TestNewLoggerFromEnv(t *testing.T) {
	t.Setenv("PRECIP_ENV", "development")
	assert.NotNil(t, NewLoggerFromEnv())

	t.Setenv("PRECIP_ENV", "")
	assert.NotNil(t, NewLoggerFromEnv())
}

func TestSync_DoesNotPanic(t *testing.T) {
	ctx, _ := PrepareLogger(context.Background())
	// Sync can legitimately fail when stderr is not a file; only the
	// absence of a panic matters.
	_ = Sync(ctx)
}
