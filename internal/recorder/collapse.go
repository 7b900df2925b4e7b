package recorder

import "ghostclick/internal/model"

// Collapse keeps only the last step of every run of consecutive INPUT steps
// aimed at the same xpath. Other steps pass through, and a run never spans a
// non-INPUT step.
func Collapse(steps []model.Step) []model.Step {
	out := make([]model.Step, 0, len(steps))
	for _, s := range steps {
		if n := len(out); n > 0 && s.Type == model.StepInput {
			prev := out[n-1]
			if prev.Type == model.StepInput && prev.Target.XPath == s.Target.XPath {
				out[n-1] = s
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// assignDelays sets each step's Delay to the gap since the previous step.
func assignDelays(steps []model.Step) {
	for i := range steps {
		if i == 0 {
			steps[i].Delay = 0
			continue
		}
		steps[i].Delay = max(0, steps[i].Timestamp-steps[i-1].Timestamp)
	}
}
