package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors/errbase"
	"github.com/gaze-network/txcore/pkg/logger/stacktrace"
)

// errorAttrReplacer renders error values as their message, the JSON handler
// would otherwise emit them as empty objects.
func errorAttrReplacer(groups []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindAny {
		return attr
	}
	if err, ok := attr.Value.Any().(error); ok && err != nil {
		return slog.String(attr.Key, err.Error())
	}
	return attr
}

// middlewareErrorStackTrace adds the verbose form and the stack trace of the
// error attribute to the record.
func middlewareErrorStackTrace() middleware {
	return func(next handleFunc) handleFunc {
		return func(ctx context.Context, rec slog.Record) error {
			rec.Attrs(func(attr slog.Attr) bool {
				if attr.Key != ErrorKey && attr.Key != "err" {
					return true
				}
				if err, ok := attr.Value.Any().(error); ok && err != nil {
					rec.AddAttrs(slog.String(ErrorVerboseKey, fmt.Sprintf("%+v", err)))
					if x, ok := err.(errbase.StackTraceProvider); ok {
						trace := stacktrace.StackTrace(x.StackTrace())
						rec.AddAttrs(slog.Any(ErrorStackTraceKey, trace.TraceFramesStrings()))
					}
				}
				return false
			})

			return next(ctx, rec)
		}
	}
}
