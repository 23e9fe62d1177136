package logger

import "fmt"

// AsynqLogger adapts the global zap logger to asynq.Logger.
type AsynqLogger struct{}

func NewAsynqLogger() *AsynqLogger {
	return &AsynqLogger{}
}

func (l *AsynqLogger) Debug(args ...any) { Log.Debug(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...any)  { Log.Info(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...any)  { Log.Warn(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...any) { Log.Error(fmt.Sprint(args...)) }
func (l *AsynqLogger) Fatal(args ...any) { Log.Fatal(fmt.Sprint(args...)) }
