// Package observability holds the process-wide CLI logger.
//
// The logger writes human-oriented console output to stderr so command
// output on stdout (captured scripts, tables) stays machine-consumable.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for all commands and libraries.
//
// It defaults to a no-op logger so library code can log unconditionally;
// Init replaces it once the CLI has parsed its flags.
var CLILogger = zap.NewNop()

// Init configures CLILogger at the requested level.
//
// Accepted levels are zap's textual forms (debug, info, warn, error).
func Init(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	CLILogger = zap.New(core)
	return nil
}

// Sync flushes buffered log entries. Errors are ignored; syncing stderr
// fails on some platforms and there is nothing actionable to do.
func Sync() {
	_ = CLILogger.Sync()
}
