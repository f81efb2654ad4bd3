package domain

// AgentState is the persisted coarse lifecycle state of the agent.
type AgentState string

const (
	StateUnknown       AgentState = "unknown"
	StateBootstrapping AgentState = "bootstrapping"
	StateImporting     AgentState = "importing"
	StateInitializing  AgentState = "initializing"
	StateRunning       AgentState = "running"
)

// Valid reports whether s is one of the known states.
func (s AgentState) Valid() bool {
	switch s {
	case StateUnknown, StateBootstrapping, StateImporting, StateInitializing, StateRunning:
		return true
	}
	return false
}

// Flag is a named boolean marker that survives restarts.
type Flag string

const (
	// FlagReboot is set when the control plane announces a reboot.
	FlagReboot Flag = "reboot"
	// FlagHalt is set when the control plane announces a halt.
	FlagHalt Flag = "halt"
	// FlagHostInitResponse is held while HostInitResponse is being processed.
	FlagHostInitResponse Flag = "hostinit_response"
	// FlagUpdate is set after a successful self-update.
	FlagUpdate Flag = "update"
)

// Flags lists every flag the agent manages, in display order.
var Flags = []Flag{FlagReboot, FlagHalt, FlagHostInitResponse, FlagUpdate}

// Resume strategies for a host coming back from halt.
const (
	ResumeReboot = "reboot"
	ResumeInit   = "init"
)
