package core

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// NewLogger 创建控制台结构化日志
func NewLogger(level string) arbor.ILogger {
	if level == "" {
		level = "info"
	}
	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString(level)
}
