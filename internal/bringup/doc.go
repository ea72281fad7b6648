// Package bringup sequences the node from cold boot to a usable network.
//
// The Orchestrator drives these stages in order:
//
//	allocate → radio-join → address → resolvers → time-sync → ready
//
// Init performs the allocation once per boot. Connect performs the rest and
// may be called again after a link loss without repeating Init. Only the
// allocation, join and address stages can fail a bring-up; resolver and
// time-sync problems are recorded on the returned Network as degradations.
//
// Every stage reports its duration and outcome to a Recorder so bring-up
// behaviour in the field can be charted.
package bringup
