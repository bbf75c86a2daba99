//go:build !windows

package logx

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// initSyslog attaches a syslog hook on Unix systems
func (l *Logger) initSyslog(tag string) {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		l.Warn("syslog unavailable", "error", err)
		return
	}
	l.entry.Logger.AddHook(hook)
}
