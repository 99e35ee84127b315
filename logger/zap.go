package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/cedar"
)

// Zap adapts a zap.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap returns a cedar.Logger writing to logger under the name "cedar".
func NewZap(logger *zap.Logger) cedar.Logger {
	return &Zap{sugar: logger.Named("cedar").Sugar()}
}

func (z *Zap) Error(msg string, args ...any) { z.sugar.Errorw(msg, fields(args)...) }

func (z *Zap) Warn(msg string, args ...any) { z.sugar.Warnw(msg, fields(args)...) }

func (z *Zap) Info(msg string, args ...any) { z.sugar.Infow(msg, fields(args)...) }

// fields turns args into zap fields so a dangling value is kept rather than
// reported as a DPanic by the sugared logger.
func fields(args []any) []any {
	out := make([]any, 0, len(args)/2+1)
	pairs(args, func(key string, value any) {
		out = append(out, zap.Any(key, value))
	})
	return out
}
