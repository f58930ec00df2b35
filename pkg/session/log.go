package session

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// LogLevel controls session log verbosity.
type LogLevel int

const (
	LevelNone LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l LogLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "none"
	}
}

func parseLogLevel(raw string) LogLevel {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "none", "off", "0":
		return LevelNone
	case "error", "err", "1":
		return LevelError
	case "warn", "warning", "2":
		return LevelWarn
	case "info", "3":
		return LevelInfo
	case "debug", "4":
		return LevelDebug
	case "trace", "5":
		return LevelTrace
	default:
		return LevelWarn
	}
}

// level reads the current verbosity. Stored atomically because a config
// reload can change it while internal goroutines are logging.
func (s *Session) level() LogLevel {
	return LogLevel(s.logLevel.Load())
}

// SetLogLevel changes the verbosity of a running session, e.g. on a config
// reload. An empty level falls back the same way Config.LogLevel does:
// CW_SESSION_LOG_LEVEL, then CW_LOG_LEVEL, then warn.
func (s *Session) SetLogLevel(level string) {
	if level == "" {
		level = os.Getenv("CW_SESSION_LOG_LEVEL")
	}
	if level == "" {
		level = os.Getenv("CW_LOG_LEVEL")
	}
	s.logLevel.Store(int32(parseLogLevel(level)))
}

func (s *Session) openTraceFile() {
	if s.tracePath == "" || s.traceFile != nil {
		return
	}
	f, err := os.OpenFile(s.tracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.logEvent(LevelWarn, "trace_open_failed", map[string]any{
			"path":  s.tracePath,
			"error": err.Error(),
		})
		return
	}
	s.traceFile = f
}

func (s *Session) closeTraceFile() {
	s.traceMu.Lock()
	f := s.traceFile
	s.traceFile = nil
	s.traceMu.Unlock()
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		s.logEvent(LevelWarn, "trace_close_failed", map[string]any{
			"path":  s.tracePath,
			"error": err.Error(),
		})
	}
}

// logEvent emits one JSON log line. Lines go to the standard logger when
// the level permits, and to the trace file when one is open.
func (s *Session) logEvent(level LogLevel, event string, fields map[string]any) {
	if level == LevelNone {
		return
	}
	limit := s.level()
	if s.traceFile == nil && (limit == LevelNone || level > limit) {
		return
	}

	payload := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"component": "session",
		"event":     event,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("session: failed to marshal log event %s: %v", event, err)
		return
	}

	if limit != LevelNone && level <= limit {
		log.Printf("%s", b)
	}
	if s.traceFile != nil {
		s.traceMu.Lock()
		if s.traceFile != nil {
			_, _ = s.traceFile.Write(append(b, '\n'))
		}
		s.traceMu.Unlock()
	}
}

func envBool(name string) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return false
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envPositiveInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDurationMilliseconds(name string, fallback time.Duration) time.Duration {
	n, ok := envPositiveInt(name)
	if !ok {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
