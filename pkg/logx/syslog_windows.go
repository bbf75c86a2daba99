//go:build windows

package logx

// initSyslog is a no-op on Windows
func (l *Logger) initSyslog(tag string) {}
