package httpapi_test

import (
	"github.com/nemosyne/nemosyne/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WindowBase:                20,
		WindowMax:                 40,
		FenceTTLMinutes:           120,
		SegmentTimeTriggerMinutes: 120,
	}
}
