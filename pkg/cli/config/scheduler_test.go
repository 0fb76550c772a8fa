package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/herald/pkg/cli/config"
)

func TestSchedulerConfigure(t *testing.T) {
	ctx := context.Background()

	t.Run("without redis no lock is configured", func(t *testing.T) {
		opts, closer, err := config.NewSchedulerForTest(time.Second, 4, 10, "").Configure(ctx)
		gt.NoError(t, err).Required()
		defer closer()
		gt.Array(t, opts).Length(0)
	})

	t.Run("with redis the lock is configured", func(t *testing.T) {
		mr := miniredis.RunT(t)
		opts, closer, err := config.NewSchedulerForTest(time.Second, 4, 10, mr.Addr()).Configure(ctx)
		gt.NoError(t, err).Required()
		defer closer()
		gt.Array(t, opts).Length(1)
	})

	t.Run("unreachable redis fails", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, _, err := config.NewSchedulerForTest(time.Second, 4, 10, addr).Configure(ctx)
		gt.Error(t, err)
	})

	t.Run("non-positive interval fails", func(t *testing.T) {
		_, _, err := config.NewSchedulerForTest(0, 4, 10, "").Configure(ctx)
		gt.Error(t, err).Is(config.ErrInvalidConfig)
	})

	t.Run("non-positive batch fails", func(t *testing.T) {
		_, _, err := config.NewSchedulerForTest(time.Second, 4, 0, "").Configure(ctx)
		gt.Error(t, err).Is(config.ErrInvalidConfig)
	})

	t.Run("use case options carry tuning", func(t *testing.T) {
		gt.Array(t, config.NewSchedulerForTest(time.Second, 4, 10, "").UseCaseOptions()).Length(3)
	})
}
