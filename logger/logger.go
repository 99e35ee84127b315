// Package logger adapts zap and logrus loggers to cedar.Logger. A
// *slog.Logger already satisfies cedar.Logger and needs no adapter.
//
//	zl, _ := zap.NewProduction()
//	env, err := cedar.Open(dir, cedar.WithLogger(logger.NewZap(zl)))
package logger

import "fmt"

// badKey labels a value whose key is missing or not a string, the way slog
// does.
const badKey = "!BADKEY"

// pairs walks slog-style alternating key/value args.
func pairs(args []any, fn func(key string, value any)) {
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fn(badKey, args[i])
			return
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fn(key, args[i+1])
	}
}
