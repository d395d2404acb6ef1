package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// syncWriter serializes writes so lines from concurrent managers never
// interleave.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// levelLabels maps a level to its padded label and ANSI color.
var levelLabels = map[string]struct {
	label string
	color string
}{
	zerolog.LevelTraceValue: {"TRACE", "35"},
	zerolog.LevelDebugValue: {"DEBUG", "33"},
	zerolog.LevelInfoValue:  {"INFO ", "32"},
	zerolog.LevelWarnValue:  {"WARN ", "31"},
	zerolog.LevelErrorValue: {"ERROR", "1;31"},
	zerolog.LevelFatalValue: {"FATAL", "1;31"},
	zerolog.LevelPanicValue: {"PANIC", "1;31"},
}

func formatLevel(noColor bool) zerolog.Formatter {
	return func(i interface{}) string {
		s, _ := i.(string)
		l, ok := levelLabels[s]
		if !ok {
			return fmt.Sprintf("| %-5.5s |", strings.ToUpper(fmt.Sprint(i)))
		}
		if noColor {
			return "| " + l.label + " |"
		}
		return "| \x1b[" + l.color + "m" + l.label + "\x1b[0m |"
	}
}

// InitializeLogger sets the global level and output. JSON output skips the
// console formatting entirely.
func InitializeLogger(level string, json bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if json {
		log.Logger = zerolog.New(&syncWriter{w: os.Stdout}).With().Timestamp().Logger()
		return nil
	}

	noColor := os.Getenv("NO_COLOR") != ""
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:         &syncWriter{w: colorable.NewColorable(os.Stdout)},
		TimeFormat:  time.RFC3339,
		NoColor:     noColor,
		FormatLevel: formatLevel(noColor),
	})
	return nil
}

// LoggerMiddleware writes one access line per request and turns handler
// panics into a 500.
func LoggerMiddleware(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Msg("HTTP endpoint panic")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}

				ev := logger.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_ip", r.RemoteAddr).
					Str("method", r.Method).
					Str("url", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes_out", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
