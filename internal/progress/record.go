// Package progress decodes the payloads pushed by build-log and
// spawn-progress streams into typed records.
package progress

import "strings"

// Kind classifies a record's phase tag.
type Kind int

const (
	// InProgress records describe work that will emit further records.
	InProgress Kind = iota
	// Completed records mark a successful end of the operation.
	Completed
	// Failed records mark an operation the server reports as failed.
	Failed
	// Unrecognized records carry a phase outside every known set. They are
	// terminal so that a new server-side marker never leaves a viewer hanging.
	Unrecognized
)

func (k Kind) String() string {
	switch k {
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unrecognized"
	}
}

// Known phase tags. Build logs use "log" until a final "built" or "error";
// the other in-progress tags are the binderhub build phases.
const (
	PhaseLog        = "log"
	PhaseInProgress = "in-progress"
	PhaseBuilt      = "built"
	PhaseReady      = "ready"
	PhaseCompleted  = "completed"
	PhaseError      = "error"
	PhaseFailed     = "failed"
)

var inProgressPhases = map[string]bool{
	PhaseLog:        true,
	PhaseInProgress: true,
	"progress":      true,
	"pending":       true,
	"waiting":       true,
	"fetching":      true,
	"building":      true,
	"pushing":       true,
	"launching":     true,
}

var completedPhases = map[string]bool{
	PhaseBuilt:     true,
	PhaseReady:     true,
	PhaseCompleted: true,
}

var failedPhases = map[string]bool{
	PhaseError:  true,
	PhaseFailed: true,
}

// Record is one decoded unit of streamed status.
type Record struct {
	// Phase is the raw tag sent by the server, empty for spawn progress events.
	Phase string
	Kind  Kind
	// Message is appended verbatim to the sink and may be empty.
	Message string
	// Progress is a percentage in [0, 100], present only on spawn progress events.
	Progress *float64
	// Ready, Failed and URL mirror the spawn progress payload.
	Ready  bool
	Failed bool
	URL    string
}

// Terminal reports whether the record ends the stream.
func (r Record) Terminal() bool {
	return r.Kind != InProgress
}

// Classify maps a phase tag to its kind. The empty tag is the spawn
// progress convention, where the ready and failed flags carry completion.
func Classify(phase string, ready, failed bool) Kind {
	tag := strings.ToLower(strings.TrimSpace(phase))
	switch {
	case tag == "":
		if failed {
			return Failed
		}
		if ready {
			return Completed
		}
		return InProgress
	case inProgressPhases[tag]:
		return InProgress
	case completedPhases[tag]:
		return Completed
	case failedPhases[tag]:
		return Failed
	default:
		return Unrecognized
	}
}
