package plugin

import "go.uber.org/zap/zapcore"

// Metadata is read from <name>.json next to the module.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
	License     string `json:"license"`
}

// PayloadRequest is the plugin_process input of payload plugins.
type PayloadRequest struct {
	AppID  uint8 `json:"app_id"`
	Length int   `json:"length"`
}

// host_log levels used by the guest SDK
const (
	LogLevelDebug uint32 = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func hostLogLevel(level uint32) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
