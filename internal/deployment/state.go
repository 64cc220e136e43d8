package deployment

// State is a deployment's position in its lifecycle. Transitions
// only move forward: Queued, Built, Loaded, Deployed, with Error and
// Deleted as terminal exits from any live state.
type State string

const (
	StateQueued   State = "queued"
	StateBuilt    State = "built"
	StateLoaded   State = "loaded"
	StateDeployed State = "deployed"
	StateError    State = "error"
	StateDeleted  State = "deleted"
)

// Terminal states are never left and hold no runtime resources.
func (s State) Terminal() bool {
	return s == StateError || s == StateDeleted
}

func (s State) String() string {
	return string(s)
}
