package errorutil

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
)

// LogErrors logs every error combined in err as a warning with msg.
func LogErrors(ctx context.Context, msg string, err error) {
	for _, e := range multierr.Errors(err) {
		logutil.Logger(ctx).Warn(msg, zap.Error(e))
	}
}
