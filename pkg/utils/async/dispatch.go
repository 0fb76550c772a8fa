package async

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
)

// Dispatch runs handler in a new goroutine. The handler keeps the values of
// ctx (logger, Sentry hub) but not its cancellation, so a finished request
// does not abort it. Errors and panics are reported through errutil.
func Dispatch(ctx context.Context, task string, handler func(ctx context.Context) error) {
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := goerr.New("panic in async task", goerr.V("task", task), goerr.V("panic", fmt.Sprint(r)))
				_ = errutil.Handle(bgCtx, err, "async task panicked")
			}
		}()

		if err := handler(bgCtx); err != nil {
			_ = errutil.Handle(bgCtx, goerr.Wrap(err, "async task failed", goerr.V("task", task)), "async task failed")
		}
	}()
}
