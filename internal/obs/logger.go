package obs

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Logger emits one JSON object per line. Field maps keep call sites terse;
// level and timestamp are injected here.
type Logger struct {
	l     *log.Logger
	debug bool
}

func NewLogger(debug bool) *Logger {
	return &Logger{
		l:     log.New(os.Stdout, "", 0),
		debug: debug,
	}
}

func (lg *Logger) emit(level string, fields map[string]interface{}) {
	fields["level"] = level
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(fields)
	lg.l.Println(string(b))
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.emit("info", fields)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.emit("error", fields)
}

func (lg *Logger) Debug(fields map[string]interface{}) {
	if !lg.debug {
		return
	}
	lg.emit("debug", fields)
}
