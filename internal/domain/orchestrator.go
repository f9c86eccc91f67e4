package domain

// OrchestratorState is the lifecycle state of the execution orchestrator.
type OrchestratorState string

const (
	StateIdle          OrchestratorState = "idle"
	StateInitializing  OrchestratorState = "initializing"
	StateActive        OrchestratorState = "active"
	StatePaused        OrchestratorState = "paused"
	StateStopping      OrchestratorState = "stopping"
	StateError         OrchestratorState = "error"
	StateEmergencyStop OrchestratorState = "emergency_stop"
)

var orchestratorTransitions = map[OrchestratorState][]OrchestratorState{
	StateIdle:          {StateInitializing},
	StateInitializing:  {StateActive, StateError, StateIdle},
	StateActive:        {StatePaused, StateStopping, StateError},
	StatePaused:        {StateActive, StateStopping, StateError},
	StateStopping:      {StateIdle, StateError},
	StateError:         {StateIdle, StateInitializing},
	StateEmergencyStop: {StateIdle},
}

// CanTransitionTo reports whether s may move to next. Emergency stop is
// reachable from every state.
func (s OrchestratorState) CanTransitionTo(next OrchestratorState) bool {
	if next == StateEmergencyStop {
		return true
	}
	for _, allowed := range orchestratorTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsTriggers reports whether new execution triggers are accepted.
func (s OrchestratorState) AcceptsTriggers() bool { return s == StateActive }
