package export

import (
	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

// DefaultFrameRate is used when the caller passes none.
const DefaultFrameRate = 30.0

// Clip is one event of the clip list, times in seconds of the source video.
type Clip struct {
	Name   string
	Source string
	Start  float64
	End    float64
	Step   int
}

func (c Clip) Duration() float64 {
	return c.End - c.Start
}

// ClipsFromPlan returns one clip per selected step in plan order. Steps whose
// range is empty or inverted are skipped since editors reject them.
func ClipsFromPlan(plan *backend.ManualPlan, selections backend.SelectionMap) []Clip {
	if plan == nil {
		return nil
	}

	clips := make([]Clip, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		if !selections[i] || step.End <= step.Start {
			continue
		}
		name := SanitizeName(step.Title, 160)
		if name == "" {
			name = "step"
		}
		clips = append(clips, Clip{
			Name:   name,
			Source: plan.SourceVideo,
			Start:  step.Start,
			End:    step.End,
			Step:   i,
		})
	}
	return clips
}
