package etcdraft

import (
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"
)

var _ raft.Logger = (*slogLogger)(nil)

// slogLogger routes etcd raft's printf-style logging into slog.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(v ...any)                 { s.l.Debug(fmt.Sprint(v...)) }
func (s *slogLogger) Debugf(format string, v ...any) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Info(v ...any)                  { s.l.Info(fmt.Sprint(v...)) }
func (s *slogLogger) Infof(format string, v ...any)  { s.l.Info(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Warning(v ...any)               { s.l.Warn(fmt.Sprint(v...)) }
func (s *slogLogger) Warningf(format string, v ...any) {
	s.l.Warn(fmt.Sprintf(format, v...))
}
func (s *slogLogger) Error(v ...any)                 { s.l.Error(fmt.Sprint(v...)) }
func (s *slogLogger) Errorf(format string, v ...any) { s.l.Error(fmt.Sprintf(format, v...)) }

func (s *slogLogger) Fatal(v ...any) {
	s.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (s *slogLogger) Fatalf(format string, v ...any) {
	s.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (s *slogLogger) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	s.l.Error(msg)
	panic(msg)
}

func (s *slogLogger) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	s.l.Error(msg)
	panic(msg)
}
