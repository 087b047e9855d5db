package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterStepOptions(t *testing.T) {
	options := map[string]interface{}{
		"job_id":                         "job:1",
		"ignore_patterns":                []string{"vendor/*"},
		"timeout":                        30,
		"incremental":                    true,
		"concurrency":                    8,
		"summarizer_specific":            map[string]interface{}{"model": "large"},
		"documentation_grapher_specific": map[string]interface{}{"depth": 2},
		"unrelated":                      "value",
	}

	t.Run("blarify drops concurrency only", func(t *testing.T) {
		filtered := filterStepOptions("blarify", options)
		assert.NotContains(t, filtered, "concurrency")
		assert.Len(t, filtered, len(options)-1)
		assert.Equal(t, "value", filtered["unrelated"])
	})

	t.Run("summarizer keeps common set plus its own bag", func(t *testing.T) {
		filtered := filterStepOptions("summarizer", options)
		assert.Equal(t, map[string]interface{}{
			"job_id":              "job:1",
			"ignore_patterns":     []string{"vendor/*"},
			"timeout":             30,
			"incremental":         true,
			"summarizer_specific": map[string]interface{}{"model": "large"},
		}, filtered)
	})

	t.Run("documentation_grapher keeps common set plus its own bag", func(t *testing.T) {
		filtered := filterStepOptions("documentation_grapher", options)
		assert.Contains(t, filtered, "documentation_grapher_specific")
		assert.NotContains(t, filtered, "summarizer_specific")
		assert.NotContains(t, filtered, "concurrency")
		assert.NotContains(t, filtered, "unrelated")
	})

	t.Run("other steps pass through unchanged", func(t *testing.T) {
		filtered := filterStepOptions("filesystem", options)
		assert.Equal(t, options, filtered)
	})

	t.Run("input map is not modified", func(t *testing.T) {
		filterStepOptions("summarizer", options)
		assert.Contains(t, options, "concurrency")
		assert.Contains(t, options, "unrelated")
	})

	t.Run("nil options", func(t *testing.T) {
		assert.Empty(t, filterStepOptions("blarify", nil))
		assert.Empty(t, filterStepOptions("summarizer", nil))
	})
}
