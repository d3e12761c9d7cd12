package orchestrator

type State int

const (
	StateReceived State = iota
	StateModelResolved
	StatePluginAccessResolved
	StateHistoryCompressed
	StatePromptComposed
	StateModelInvoked
	StatePluginsDispatched
	StateChunked
	StateDelivered
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateModelResolved:
		return "model_resolved"
	case StatePluginAccessResolved:
		return "plugin_access_resolved"
	case StateHistoryCompressed:
		return "history_compressed"
	case StatePromptComposed:
		return "prompt_composed"
	case StateModelInvoked:
		return "model_invoked"
	case StatePluginsDispatched:
		return "plugins_dispatched"
	case StateChunked:
		return "chunked"
	case StateDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	// OutcomeAborted ends a run before the model call, for example when the
	// user has no model credential.
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeLimited   Outcome = "limited"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStopped   Outcome = "stopped"
)

// Result describes how one inbound message was handled.
type Result struct {
	RunID   string
	Outcome Outcome
	// State is the last state the run reached.
	State State
	// Delivered holds the text each reply message ended up showing.
	Delivered []string
}
