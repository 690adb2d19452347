// Package call implements the client-side call coordinators: the 1:1 peer
// call state machine, the N-party room state machine, and the trickle-ICE
// candidate buffer they share. Coordinators attach to an injected
// core.SignalTransport; nothing here assumes a global signaling singleton.
package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

// Buffer holds trickled ICE candidates that arrived before the peer's
// connection existed or before its remote description was set.
// Candidates are never dropped silently: failed applications requeue.
type Buffer struct {
	mu      sync.Mutex
	pending map[domain.PeerID][]webrtc.ICECandidateInit
}

func NewBuffer() *Buffer {
	return &Buffer{pending: make(map[domain.PeerID][]webrtc.ICECandidateInit)}
}

// BufferOrApply applies cand immediately when conn exists with a remote
// description; otherwise the candidate is queued for a later Drain.
func (b *Buffer) BufferOrApply(peer domain.PeerID, cand webrtc.ICECandidateInit, conn core.MediaConnection) {
	if conn == nil || !conn.RemoteDescriptionSet() {
		b.push(peer, cand)
		return
	}
	if err := conn.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("candidate apply failed, requeued")
		b.push(peer, cand)
	}
}

// Drain applies every buffered candidate for peer in FIFO order and clears
// the queue. Call it once, right after the connection's remote description
// is first set. Candidates that still fail go back to the front.
func (b *Buffer) Drain(peer domain.PeerID, conn core.MediaConnection) {
	b.mu.Lock()
	queued := b.pending[peer]
	delete(b.pending, peer)
	b.mu.Unlock()

	for i, cand := range queued {
		if err := conn.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Int("left", len(queued)-i).Msg("drain interrupted, candidates requeued")
			b.requeue(peer, queued[i:])
			return
		}
	}
}

// Clear forgets every candidate for peer. Used when the peer's session
// entry is torn down for good.
func (b *Buffer) Clear(peer domain.PeerID) {
	b.mu.Lock()
	delete(b.pending, peer)
	b.mu.Unlock()
}

// Reset forgets every candidate for every peer, including peers that never
// produced a session entry. Full-teardown paths must use this so nothing
// buffered leaks into the next call or room session.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pending = make(map[domain.PeerID][]webrtc.ICECandidateInit)
	b.mu.Unlock()
}

// Len reports how many candidates are waiting for peer.
func (b *Buffer) Len(peer domain.PeerID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peer])
}

func (b *Buffer) push(peer domain.PeerID, cand webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.pending[peer] = append(b.pending[peer], cand)
	b.mu.Unlock()
}

func (b *Buffer) requeue(peer domain.PeerID, cands []webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.pending[peer] = append(cands, b.pending[peer]...)
	b.mu.Unlock()
}
