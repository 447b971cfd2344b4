package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog = quietEntry("core")
	sipLog  = quietEntry("sip")
	rtpLog  = quietEntry("rtp")
	lineLog = quietEntry("line")
	logFile *lumberjack.Logger
)

// quietEntry is the placeholder used before initLogging runs so the
// named loggers are always safe to call.
func quietEntry(name string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("name", name)
}

// initLogging configures the named loggers from the [logging] section.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   "gsm2sip.log",
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, logFile)
	rtpLog = newLogger("rtp", toLogrusLevel(sec.Key("rtp").MustInt(2)), consoleMin, fileMin, logFile)
	lineLog = newLogger("line", toLogrusLevel(sec.Key("line").MustInt(2)), consoleMin, fileMin, logFile)

	// Full message dumps are the only trace output in the sip package,
	// so disabling them is a level cap.
	if !sec.Key("sip_messages").MustBool(true) && sipLog.Logger.GetLevel() > logrus.DebugLevel {
		sipLog.Logger.SetLevel(logrus.DebugLevel)
	}

	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}
