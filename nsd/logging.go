package nsd

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logSink is the rotating file target backing Globals.Logger, substituted
// for the teacher's raw os.OpenFile(logfile) so ReopenLog has a Rotate() to
// call. It is set only in a process whose InitLogging got a path.
var logSink *lumberjack.Logger

// InitLogging constructs Globals.Logger once at startup, matching the
// teacher's logging.go single-construction discipline. An empty path logs
// to stderr only (useful for -d foreground runs).
func InitLogging(path string) *log.Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		logSink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, logSink)
	}
	return log.New(w, "", log.LstdFlags)
}

// ReopenLog rotates the calling process's log file so an external logrotate
// can move it aside safely, and does nothing where no log file is open.
// `nsdc log_reopen` calls it inside nsdc itself, which opens no log file,
// so that command does not rotate the daemon's log.
func ReopenLog() error {
	if logSink == nil {
		return nil
	}
	return logSink.Rotate()
}

// Noticef logs at the "notice" level used throughout spec §7 for non-fatal,
// expected-but-worth-recording events (zone refresh success, reload).
func Noticef(format string, args ...any) {
	if Globals.Logger != nil {
		Globals.Logger.Printf("notice: "+format, args...)
	}
}

// Warningf logs at spec §7's "warning" level for recoverable failures.
func Warningf(format string, args ...any) {
	if Globals.Logger != nil {
		Globals.Logger.Printf("warning: "+format, args...)
	}
}

// Errorf logs at spec §7's "error" level for fatal failures; callers set the
// process exit code separately.
func Errorf(format string, args ...any) {
	if Globals.Logger != nil {
		Globals.Logger.Printf("error: "+format, args...)
	}
}
