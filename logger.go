package oplog

import (
	"context"
	"os"

	"github.com/golemcloud/oplog/internal/logger"
)

type Logger interface {
	// Debug is used for verbose diagnostics such as replay progress and
	// archive transfers.
	Debug(ctx context.Context, msg string, meta MKV)
	// Error is used when writing errors to the logs.
	Error(ctx context.Context, err error)
}

// MKV is a multiple key value store for the logger to format into its output.
type MKV map[string]string

type slogLogger struct {
	inner interface {
		Debug(ctx context.Context, msg string, meta map[string]string)
		Error(ctx context.Context, err error)
	}
}

func (l slogLogger) Debug(ctx context.Context, msg string, meta MKV) {
	l.inner.Debug(ctx, msg, meta)
}

func (l slogLogger) Error(ctx context.Context, err error) {
	l.inner.Error(ctx, err)
}

func defaultLogger() Logger {
	return slogLogger{inner: logger.New(os.Stderr)}
}
