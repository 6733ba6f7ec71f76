package supervisor

// State is the lifecycle state of the supervised kernel.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// attached reports whether a process is owned by the supervisor in this state.
func (s State) attached() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Status is a point-in-time snapshot of the supervisor. PID is set only while
// a process is attached (starting, running, stopping).
type Status struct {
	State     State   `json:"status"`
	PID       *int    `json:"pid"`
	LastError *string `json:"last_error"`
}

// Transition describes one state change. Status is the snapshot taken right
// after the change was applied.
type Transition struct {
	From   State
	To     State
	Status Status
}
