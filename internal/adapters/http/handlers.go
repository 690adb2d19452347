package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ndemidov/Huddle/internal/call"
	"github.com/ndemidov/Huddle/internal/domain"
)

type handler struct {
	peer *call.PeerCall
	room *call.RoomCall
}

// StateResponse bundles both coordinator snapshots so the UI polls one
// endpoint.
type StateResponse struct {
	Call call.CallSnapshot `json:"call"`
	Room call.RoomSnapshot `json:"room"`
}

type MediaRequest struct {
	Scope string `json:"scope"` // "call" (default) or "room"
}

type MediaResponse struct {
	Enabled bool `json:"enabled"`
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, StateResponse{
		Call: h.peer.Snapshot(),
		Room: h.room.Snapshot(),
	})
}

func (h *handler) requestCall(c *gin.Context) {
	remote := domain.PeerID(c.Param("peer"))
	if remote == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing peer id"})
		return
	}
	if err := h.peer.RequestCall(remote); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.peer.Snapshot())
}

func (h *handler) acceptCall(c *gin.Context) {
	if err := h.peer.AcceptCall(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.peer.Snapshot())
}

func (h *handler) rejectCall(c *gin.Context) {
	if err := h.peer.RejectCall(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.peer.Snapshot())
}

func (h *handler) endCall(c *gin.Context) {
	h.peer.EndCall()
	c.JSON(http.StatusOK, h.peer.Snapshot())
}

func (h *handler) joinRoom(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room id"})
		return
	}
	if err := h.room.JoinRoom(room); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.room.Snapshot())
}

func (h *handler) leaveRoom(c *gin.Context) {
	h.room.LeaveRoom()
	c.JSON(http.StatusOK, h.room.Snapshot())
}

func (h *handler) toggleVideo(c *gin.Context) {
	var req MediaRequest
	_ = c.ShouldBindJSON(&req)
	var on bool
	if req.Scope == "room" {
		on = h.room.ToggleVideo()
	} else {
		on = h.peer.ToggleVideo()
	}
	c.JSON(http.StatusOK, MediaResponse{Enabled: on})
}

func (h *handler) toggleAudio(c *gin.Context) {
	var req MediaRequest
	_ = c.ShouldBindJSON(&req)
	var on bool
	if req.Scope == "room" {
		on = h.room.ToggleAudio()
	} else {
		on = h.peer.ToggleAudio()
	}
	c.JSON(http.StatusOK, MediaResponse{Enabled: on})
}

// statusFor maps coordinator errors to HTTP statuses. State machine
// violations are conflicts, everything else is an internal failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrBadCallState), errors.Is(err, call.ErrBadRoomState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
