package config

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from "logging.level" (debug, info,
// warn, error) and "logging.format" (json or console). Every entry carries
// service=carbonsight.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(v.GetString("logging.level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", v.GetString("logging.level"), err)
	}

	var cfg zap.Config
	switch format := v.GetString("logging.format"); format {
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.InitialFields = map[string]any{"service": "carbonsight"}

	return cfg.Build()
}
