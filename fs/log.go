package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogPrint produces a log line at the given level. It can be overridden for
// testing, by default it feeds logrus.
var LogPrint = func(level logrus.Level, text string) {
	switch level {
	case logrus.DebugLevel:
		logrus.Debug(text)
	case logrus.InfoLevel:
		logrus.Info(text)
	case logrus.WarnLevel:
		logrus.Warn(text)
	default:
		logrus.Error(text)
	}
}

func logf(level logrus.Level, o interface{}, format string, a ...interface{}) {
	if !logrus.IsLevelEnabled(level) {
		return
	}
	out := fmt.Sprintf(format, a...)
	if o != nil {
		out = fmt.Sprintf("%v: %s", o, out)
	}
	LogPrint(level, out)
}

// Debugf writes debug level output for this object.
func Debugf(o interface{}, format string, a ...interface{}) {
	logf(logrus.DebugLevel, o, format, a...)
}

// Infof writes info level output for this object.
func Infof(o interface{}, format string, a ...interface{}) {
	logf(logrus.InfoLevel, o, format, a...)
}

// Logf writes notice level output for this object. Unconditionally shown
// unless logging is quietened.
func Logf(o interface{}, format string, a ...interface{}) {
	logf(logrus.WarnLevel, o, format, a...)
}

// Errorf writes error level output for this object.
func Errorf(o interface{}, format string, a ...interface{}) {
	logf(logrus.ErrorLevel, o, format, a...)
}
