package tkv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// badgerLogger sends badger's printf-style output to slog. Badger reports
// routine compactions and flushes at info; those land at debug here.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = &badgerLogger{}

func newLogger(logger *slog.Logger) badger.Logger {
	return &badgerLogger{logger: logger.With("source", "badger")}
}

func (b *badgerLogger) log(level slog.Level, format string, args []any) {
	if !b.logger.Enabled(context.Background(), level) {
		return
	}
	b.logger.Log(context.Background(), level, strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (b *badgerLogger) Errorf(format string, args ...any)   { b.log(slog.LevelError, format, args) }
func (b *badgerLogger) Warningf(format string, args ...any) { b.log(slog.LevelWarn, format, args) }
func (b *badgerLogger) Infof(format string, args ...any)    { b.log(slog.LevelDebug, format, args) }
func (b *badgerLogger) Debugf(format string, args ...any)   { b.log(slog.LevelDebug, format, args) }
