package domain

// CallState is the lifecycle state of a 1:1 call.
// Keep values stable because they are exposed through the control API.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallOutgoing CallState = "outgoing"
	CallIncoming CallState = "incoming"
	CallRunning  CallState = "running"
	CallRejected CallState = "rejected"
)

// RoomCallState is the lifecycle state of a group room call.
// Transitions are strictly linear: idle, joining, active, leaving, idle.
type RoomCallState string

const (
	RoomIdle    RoomCallState = "idle"
	RoomJoining RoomCallState = "joining"
	RoomActive  RoomCallState = "active"
	RoomLeaving RoomCallState = "leaving"
)

// RejectReason travels in the reason field of call-rejected messages.
type RejectReason string

const (
	RejectBusy     RejectReason = "busy"
	RejectDeclined RejectReason = "declined"
)
