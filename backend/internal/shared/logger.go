// ============================================================================
// backend/internal/shared/logger.go
// Structured logger construction
// ============================================================================

package shared

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from configuration
func NewLogger(config *ServiceConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if IsDevelopment(config) {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(GetLogLevel(config))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.With(zap.String("service", config.ServiceName)), nil
}
