package logger

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MrSnakeDoc/ghrelay/internal/printer"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string    // "debug","info","warn","error"
	JSON  bool      // JSON output (containers, log shippers)
	Color bool      // colorize (console)
	Out   io.Writer // default os.Stdout
}

var (
	mu       sync.RWMutex
	zlog     *zap.SugaredLogger
	out      io.Writer = os.Stdout
	p        *printer.ColorPrinter
	color    = true
	curLevel = zapcore.InfoLevel
	ready    atomic.Bool
)

// Configure sets up the global logger.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	configureLocked(opts)
}

func configureLocked(opts Options) {
	if opts.Out != nil {
		out = opts.Out
	}

	var enc zapcore.Encoder
	if opts.JSON {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.CallerKey = ""
		encCfg.MessageKey = "msg"
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"})
	}

	curLevel = parseLevel(opts.Level)
	color = opts.Color && !opts.JSON
	core := zapcore.NewCore(enc, zapcore.AddSync(writerAdapter{out}), curLevel)
	zlog = zap.New(core).Sugar()

	p = printer.NewColorPrinter(color)
	ready.Store(true)
}

// UseTestMode silences logs during tests.
func UseTestMode() {
	Configure(Options{
		Level: "error",
		Out:   io.Discard,
	})
}

// Out returns the current output writer (for tables).
func Out() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return out
}

func Info(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Info(p.Info("✨ "+msg, args...))
	}
}

func Success(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Info(p.Success("✅ "+msg, args...))
	}
}

func LogError(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Error(p.Error("❌ "+msg, args...))
	}
}

func Warn(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Warn(p.Warning("⚠️ "+msg, args...))
	}
}

func Debug(msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Debug(p.Debug("🛠️ "+msg, args...))
	}
}

// Debugw logs a message with structured key/value pairs. Used for
// per-request lines where the fields matter more than the prose.
func Debugw(msg string, keysAndValues ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if ensureReady() {
		zlog.Debugw(msg, keysAndValues...)
	}
}

// Enabled reports whether messages at level would be written.
func Enabled(level string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return zlog != nil && curLevel.Enabled(parseLevel(level))
}

// Sync flushes buffered entries. Safe to call before Configure.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if zlog != nil {
		_ = zlog.Sync()
	}
}

// ---- Tables ----

func CreateTable(headers []string) *tablewriter.Table {
	mu.RLock()
	defer mu.RUnlock()
	t := tablewriter.NewTable(out)
	t.Header(headers)
	return t
}

// ---- internals ----

type writerAdapter struct{ w io.Writer }

func (wa writerAdapter) Write(p []byte) (int, error) { return wa.w.Write(p) }

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ensureReady must be called with mu held.
func ensureReady() bool {
	return ready.Load() && p != nil && zlog != nil
}
