package service

// ShouldAnalyze decides whether an image goes to the analyzer. A stored
// sidecar is the only signal used for skipping; force always re-analyzes.
func ShouldAnalyze(force, sidecarExists bool) bool {
	return force || !sidecarExists
}

// Progress bands of a run. Each phase moves progress inside its own band so
// the value never goes backwards across phases.
const (
	progressDownloadStart = 10
	progressAnalyzeStart  = 40
	progressMergeStart    = 80
	progressDone          = 100
)

// bandProgress maps done/total onto [from, to).
func bandProgress(from, to, done, total int) int {
	if total <= 0 {
		return from
	}
	if done > total {
		done = total
	}
	return from + (to-from)*done/total
}
