package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewLogger_Levels(t *testing.T) {
	dev := NewLogger("development", "")
	assert.True(t, dev.Core().Enabled(zap.DebugLevel))

	prod := NewLogger("production", "")
	assert.False(t, prod.Core().Enabled(zap.DebugLevel))
	assert.True(t, prod.Core().Enabled(zap.InfoLevel))

	quiet := NewLogger("development", "warn")
	assert.False(t, quiet.Core().Enabled(zap.InfoLevel))

	// неизвестный уровень не ломает конфиг окружения
	fallback := NewLogger("production", "loud")
	assert.True(t, fallback.Core().Enabled(zap.InfoLevel))
}
