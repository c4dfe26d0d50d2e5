package logger

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// ParseEnviroment maps "prod", "dev" and "staging" (case insensitive) to an Enviroment.
func ParseEnviroment(s string) (Enviroment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Prod, nil
	case "dev", "development", "":
		return Dev, nil
	case "staging":
		return Staging, nil
	default:
		return 0, fmt.Errorf("unknown logger environment %q", s)
	}
}

func (e Enviroment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Dev:
		return "dev"
	case Staging:
		return "staging"
	default:
		return "unknown"
	}
}

// NewLogger returns a JSON logger writing to stdout.
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	return New(os.Stdout, env, addSource)
}

// New returns a JSON logger writing to w. Dev logs at debug level, every
// other environment at info.
func New(w io.Writer, env Enviroment, addSource bool) *slog.Logger {
	level := slog.LevelInfo
	if env == Dev {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	}))
}

// NewTestLogger returns a text logger writing into the returned buffer.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := new(bytes.Buffer)
	h := slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
