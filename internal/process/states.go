package process

import (
	"strings"

	"github.com/craftplane/craftplane/internal/registry"
)

// AllowedTransitions is the per-entry lifecycle. Terminal states have no
// outgoing edges; a fresh start creates a new entry in Starting. Running
// never regresses to Starting, whatever the console claims.
var AllowedTransitions = map[registry.State][]registry.State{
	registry.StateStarting: {
		registry.StateRunning,
		registry.StateStopping,
		registry.StateError,
		registry.StateExited,
	},
	registry.StateRunning: {
		registry.StateStopping,
		registry.StateStopped,
		registry.StateExited,
	},
	registry.StateStopping: {
		registry.StateStopped,
		registry.StateExited,
	},
}

func transitionAllowed(from, to registry.State) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// detectState recognizes the console lines game servers print at lifecycle
// edges. Matching is substring-based; the exact phrasing varies by engine
// and version.
func detectState(line string) (registry.State, bool) {
	if strings.Contains(line, "Done") &&
		(strings.Contains(line, "For help") || strings.Contains(line, "help")) {
		return registry.StateRunning, true
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "starting minecraft server") ||
		strings.Contains(lower, "starting net.minecraft.server") {
		return registry.StateStarting, true
	}

	if strings.Contains(line, "Stopping server") ||
		strings.Contains(line, "Stopping the server") ||
		strings.Contains(line, "Saving worlds") {
		return registry.StateStopping, true
	}

	return "", false
}

// finalState maps an exit to its terminal state. A process that never
// reached Running failed to start no matter how it exited.
func finalState(stateAtExit registry.State, code int) registry.State {
	if stateAtExit == registry.StateStarting {
		return registry.StateError
	}
	if code == 0 {
		return registry.StateStopped
	}

	return registry.StateExited
}
