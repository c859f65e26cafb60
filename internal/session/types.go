package session

import (
	"time"
)

type Phase string

const (
	PhaseDisconnected    Phase = "disconnected"
	PhaseAwaitingPairing Phase = "awaiting_pairing"
	PhaseReady           Phase = "ready"
)

// LostReason classifies why a session dropped to Disconnected.
type LostReason string

const (
	ReasonAuthFailure    LostReason = "auth_failure"
	ReasonNetworkDrop    LostReason = "network_drop"
	ReasonExplicitLogout LostReason = "explicit_logout"
)

func (r LostReason) Valid() bool {
	switch r {
	case ReasonAuthFailure, ReasonNetworkDrop, ReasonExplicitLogout:
		return true
	}
	return false
}

// Identity is the authenticated account, present only while Ready.
type Identity struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"handle"`
}

func (i Identity) IsZero() bool { return i == Identity{} }

// State is the process-wide session snapshot.
//
// Invariant: PairingChallenge is set only in AwaitingPairing, Identity only in
// Ready; both are empty in Disconnected.
type State struct {
	Phase            Phase      `json:"phase"`
	PairingChallenge string     `json:"pairingChallenge,omitempty"`
	Identity         *Identity  `json:"identity,omitempty"`
	Reason           LostReason `json:"reason,omitempty"`
	LastTransitionAt time.Time  `json:"lastTransitionAt"`
}

func (s State) Ready() bool { return s.Phase == PhaseReady }

// Disconnected returns the initial state.
func Disconnected(at time.Time) State {
	return State{Phase: PhaseDisconnected, LastTransitionAt: at}
}

// Recipient is a chat (contact or group) the account can send to.
type Recipient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsGroup     bool   `json:"isGroup"`
	MemberCount int    `json:"memberCount,omitempty"`
}

// Recipients is the payload of a recipient list refresh.
type Recipients struct {
	List []Recipient `json:"list"`
}
