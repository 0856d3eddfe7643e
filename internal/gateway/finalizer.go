package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/anonmeet/meet-server/internal/matching"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/region"
	"github.com/anonmeet/meet-server/internal/relay"
	"github.com/anonmeet/meet-server/internal/session"
)

// MatchFinalizer turns a pair selected by the matching cycle into a session
// and tells both users. It implements matching.Finalizer and is shared by
// the embedded cycle and the standalone matcher.
type MatchFinalizer struct {
	sessions  *session.Manager
	queue     queue.Store
	transport relay.Transport
}

// NewMatchFinalizer creates a finalizer.
func NewMatchFinalizer(sessions *session.Manager, q queue.Store, transport relay.Transport) *MatchFinalizer {
	return &MatchFinalizer{sessions: sessions, queue: q, transport: transport}
}

// FinalizeMatch implements matching.Finalizer. A side that is already in a
// session (it accepted a bot or joined a link meanwhile) is dropped from the
// queue and the pair is rejected.
func (f *MatchFinalizer) FinalizeMatch(ctx context.Context, m matching.Match) error {
	for _, e := range []queue.Entry{m.A, m.B} {
		busy, err := f.sessions.IsUserInSession(ctx, e.UserID)
		if err != nil {
			return err
		}
		if busy {
			if err := f.queue.Remove(ctx, e.UserID); err != nil {
				log.Printf("[gateway] drop busy %s from queue: %v", e.UserID, err)
			}
			return fmt.Errorf("gateway: finalize: %s is already in a session", e.UserID)
		}
	}

	s, err := f.sessions.CreateSession(ctx, session.CreateParams{
		User1:   m.A.UserID,
		User2:   m.B.UserID,
		Region1: m.A.Region,
		Region2: m.B.Region,
	})
	if err != nil {
		return err
	}

	sendMatched(f.transport, s, m.A.UserID, m.A.Region, true)
	sendMatched(f.transport, s, m.B.UserID, m.B.Region, false)
	return nil
}

// sendMatched notifies one participant. The initiator creates the WebRTC
// offer.
func sendMatched(t relay.Transport, s *session.Session, userID string, r region.Region, initiator bool) {
	peerID, _ := s.Partner(userID)
	ok := t.Send(userID, protocol.TypeMatched, protocol.MatchedMsg{
		SessionID:  s.ID,
		PeerID:     peerID,
		IsPeerBot:  s.IsBotPeer(peerID),
		Initiator:  initiator,
		ICEServers: region.ICEServers(r),
	})
	if !ok {
		log.Printf("[gateway] matched for %s in session %s not delivered", userID, s.ID)
	}
}
