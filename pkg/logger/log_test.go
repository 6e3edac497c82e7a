package logger_test

import (
	"testing"

	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logger.LogStatus{
		"verbose":  logger.VERBOSE,
		"DEBUG":    logger.DEBUG,
		" warn ":   logger.WARNING,
		"warning":  logger.WARNING,
		"error":    logger.ERROR,
		"info":     logger.INFO,
		"nonsense": logger.INFO,
	}

	for in, expected := range tests {
		assert.Equal(t, expected, logger.ParseLevel(in), "level for %q", in)
	}
}

func TestLevelsAreOrdered(t *testing.T) {
	assert.Less(t, logger.VERBOSE.Level(), logger.DEBUG.Level())
	assert.Less(t, logger.INFO.Level(), logger.WARNING.Level())
	assert.Less(t, logger.ERROR.Level(), logger.FATAL.Level())
	assert.Equal(t, "!", logger.WARNING.String())
}
