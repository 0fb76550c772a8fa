package safe

import (
	"context"
	"io"

	"github.com/secmon-lab/herald/pkg/utils/logging"
)

// Close closes c and logs a failure instead of returning it.
// It is meant for deferred closes of response bodies and readers.
func Close(ctx context.Context, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logging.From(ctx).Warn("failed to close", "error", err)
	}
}
