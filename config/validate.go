package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate 修正可容忍的配置并校验硬性约束
func (c *Config) Validate() error {
	c.normalize()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Database.Backend = strings.ToLower(strings.TrimSpace(c.Database.Backend))
	c.Vector.Backend = strings.ToLower(strings.TrimSpace(c.Vector.Backend))
	c.Frames.Backend = strings.ToLower(strings.TrimSpace(c.Frames.Backend))

	// pgvector search reads the chunks table, which only exists in postgres
	if c.Vector.Backend == "pgvector" && c.Database.Backend != "postgres" {
		c.Vector.Backend = "memory"
	}
	if c.Layout.TimeoutSeconds <= 0 {
		c.Layout.TimeoutSeconds = 120
	}
	if c.Layout.MergeMode == "" {
		c.Layout.MergeMode = "large"
	}
	if c.ASR.Language == "" {
		c.ASR.Language = "en"
	}
	if c.ASR.APIBitrateKbps == 0 {
		c.ASR.APIBitrateKbps = 32
	}
	if c.OpenAI.TranscriptionModel == "" {
		c.OpenAI.TranscriptionModel = "whisper-1"
	}
	if c.Vector.MilvusCollection == "" {
		c.Vector.MilvusCollection = "lecture_chunks"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
