package session

import (
	"fmt"
	"time"

	"github.com/fathomlabs/fathom/pkg/protocol"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

const timeUnit = 100 * time.Millisecond

// wireTelemetry adapts run telemetry to session frames, filtered by the
// operator's widget preferences. The orchestrator borrows it for the
// lifetime of a run and never sees the session itself.
type wireTelemetry struct {
	s            *Session
	showProgress bool
	showThoughts bool
}

// telemetryFor builds the telemetry sink for a run using the current
// widget preferences. Events also tee into the process-wide bus for
// dashboard subscribers.
func (s *Session) telemetryFor() telemetry.Telemetry {
	p := s.core.Prefs.Read()
	wire := &wireTelemetry{
		s:            s,
		showProgress: p.Widgets["progress"],
		showThoughts: p.Widgets["thoughts"],
	}
	if s.core.Events == nil {
		return wire
	}
	return telemetry.Multi(wire, s.core.Events)
}

func (t *wireTelemetry) EmitStatus(st telemetry.Status) {
	t.s.send(protocol.StatusFrame(st))
}

func (t *wireTelemetry) EmitProgress(p telemetry.Progress) {
	if !t.showProgress {
		return
	}
	t.s.send(protocol.ProgressFrame(p))
}

func (t *wireTelemetry) EmitThought(th telemetry.Thought) {
	if !t.showThoughts {
		return
	}
	t.s.send(protocol.ThoughtFrame(th))
}

func (t *wireTelemetry) EmitComplete(c telemetry.Complete) {
	verdict := "completed"
	if !c.Success {
		verdict = "failed"
		if c.Error != "" {
			verdict = c.Error
		}
	}
	t.s.send(protocol.Output(fmt.Sprintf(
		"Run %s %s: %d learnings, %d sources in %s",
		c.RunID[:8], verdict, c.LearningCount, c.SourceCount, c.Duration.Round(timeUnit),
	)))
}

var _ telemetry.Telemetry = (*wireTelemetry)(nil)
