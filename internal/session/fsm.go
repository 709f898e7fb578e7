package session

import (
	"shopwa/internal/models"
	"shopwa/internal/wa"
)

// Effects describes the side effects a transition asks its caller to run.
// Transition itself is pure so the lifecycle logic is testable without any
// network capability.
type Effects struct {
	// Project mirrors the new state into the durable status record.
	Project bool
	// PairingCode to project; meaningful only in awaiting_pairing. A new
	// challenge from the capability replaces the previous code.
	PairingCode string
	// MarkConnected stamps last_connected_at on the status record.
	MarkConnected bool
	// PersistCredentials saves a fresh credential snapshot.
	PersistCredentials *wa.Credentials
	// WipeCredentials clears the stored blob (terminal logout).
	WipeCredentials bool
	// CloseHandle tears down the live protocol handle.
	CloseHandle bool
	// ScheduleReconnect re-enters connecting after the reconnect delay.
	ScheduleReconnect bool
}

// Transition applies one capability event to a connection state and returns
// the next state plus the effects to run.
func Transition(state string, ev wa.Event) (string, Effects) {
	switch e := ev.(type) {
	case wa.PairingCode:
		switch state {
		case models.StateConnecting, models.StateAwaitingPairing:
			return models.StateAwaitingPairing, Effects{Project: true, PairingCode: e.Code}
		}
		return state, Effects{}

	case wa.Connected:
		return models.StateConnected, Effects{Project: true, MarkConnected: true}

	case wa.CredentialsUpdated:
		// Persist without touching the connection state.
		return state, Effects{PersistCredentials: e.Credentials}

	case wa.Disconnected:
		if e.LoggedOut {
			return models.StateDisconnected, Effects{
				Project:         true,
				WipeCredentials: true,
				CloseHandle:     true,
			}
		}
		switch state {
		case models.StateConnecting, models.StateAwaitingPairing, models.StateConnected:
			return models.StateError, Effects{
				Project:           true,
				CloseHandle:       true,
				ScheduleReconnect: true,
			}
		}
		return state, Effects{}
	}

	return state, Effects{}
}
