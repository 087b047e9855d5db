package runner

// Steps differ in which caller-supplied options they accept. Options a step
// does not understand are stripped before its factory sees them, so a
// pipeline-wide option bag never breaks an individual step.

// blarifyDroppedOptions are pipeline options the graph builder step does not
// accept.
var blarifyDroppedOptions = map[string]bool{
	"concurrency": true,
}

// narrowOptionSteps only accept the common option set plus their own
// "<step>_specific" bag; everything else is dropped.
var narrowOptionSteps = map[string]bool{
	"summarizer":            true,
	"documentation_grapher": true,
}

// commonOptions are accepted by every narrow-option step.
var commonOptions = map[string]bool{
	"job_id":          true,
	"ignore_patterns": true,
	"timeout":         true,
	"incremental":     true,
}

// filterStepOptions returns the subset of options the named step accepts.
// The input map is never modified.
func filterStepOptions(stepName string, options map[string]interface{}) map[string]interface{} {
	filtered := make(map[string]interface{}, len(options))
	switch {
	case stepName == "blarify":
		for key, value := range options {
			if !blarifyDroppedOptions[key] {
				filtered[key] = value
			}
		}
	case narrowOptionSteps[stepName]:
		specificKey := stepName + "_specific"
		for key, value := range options {
			if commonOptions[key] || key == specificKey {
				filtered[key] = value
			}
		}
	default:
		for key, value := range options {
			filtered[key] = value
		}
	}
	return filtered
}
