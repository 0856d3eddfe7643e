// Package gateway implements the client-facing operations of the signaling
// protocol: entering and leaving the queue, accepting a bot, creating and
// joining invite links, relaying signaling and ending sessions. Each
// operation returns an error that ToProtocol maps to a wire error code.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/bot"
	"github.com/anonmeet/meet-server/internal/link"
	"github.com/anonmeet/meet-server/internal/messaging"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/ratelimit"
	"github.com/anonmeet/meet-server/internal/region"
	"github.com/anonmeet/meet-server/internal/relay"
	"github.com/anonmeet/meet-server/internal/session"
)

// Transport delivers events and answers presence queries.
type Transport interface {
	relay.Transport
	Online(userID string) bool
}

// Limiter throttles client actions. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Events publishes cluster events. messaging.NATSClient implements it.
type Events interface {
	PublishSessionEnded(e messaging.SessionEndedEvent) error
	PublishQueueAdded(userID string) error
}

// Trigger requests an immediate matching cycle. matching.Service implements it.
type Trigger interface {
	Trigger()
}

// Client identifies the connection an operation was received on.
type Client struct {
	ID     string
	Region region.Region
}

// Deps are the collaborators of a Gateway. Limiter, Events and Matcher are
// optional.
type Deps struct {
	Queue     queue.Store
	Sessions  *session.Manager
	Links     *link.Service
	Relay     *relay.Relay
	Responder bot.Responder
	Transport Transport
	Limiter   Limiter
	Events    Events
	Matcher   Trigger
}

// Options tune a Gateway.
type Options struct {
	Instance        string        // origin tag on published events
	BotOfferDelay   time.Duration // wait before offering a bot
	StartMatchRule  ratelimit.Rule
	TextMessageRule ratelimit.Rule
}

// Gateway executes protocol operations for connected clients.
type Gateway struct {
	Deps
	opts   Options
	offers *bot.OfferTimer
	now    func() time.Time

	mu      sync.RWMutex
	regions map[string]region.Region // local users' detected regions
}

// New creates a Gateway and its bot offer timers.
func New(deps Deps, opts Options) *Gateway {
	if opts.StartMatchRule.Limit == 0 {
		opts.StartMatchRule = ratelimit.RuleStartMatching
	}
	if opts.TextMessageRule.Limit == 0 {
		opts.TextMessageRule = ratelimit.RuleText
	}
	g := &Gateway{
		Deps:    deps,
		opts:    opts,
		now:     time.Now,
		regions: make(map[string]region.Region),
	}
	g.offers = bot.NewOfferTimer(deps.Queue, opts.BotOfferDelay, g.offerBot)
	return g
}

// Close stops pending bot offers.
func (g *Gateway) Close() {
	g.offers.Stop()
}

// Connect records a newly connected client.
func (g *Gateway) Connect(c Client) {
	g.mu.Lock()
	g.regions[c.ID] = c.Region
	g.mu.Unlock()
}

// Disconnect releases everything a departing client held: the queue slot,
// the pending bot offer and the active session.
func (g *Gateway) Disconnect(ctx context.Context, userID string) {
	g.mu.Lock()
	delete(g.regions, userID)
	g.mu.Unlock()

	g.offers.Cancel(userID)
	if err := g.Queue.Remove(ctx, userID); err != nil {
		log.Printf("[gateway] disconnect %s: queue remove: %v", userID, err)
	}
	s, err := g.Sessions.EndUserSession(ctx, userID)
	if err != nil {
		log.Printf("[gateway] disconnect %s: end session: %v", userID, err)
		return
	}
	if s != nil {
		g.afterEnd(s, userID)
	}
}

// StartMatching validates preferences and enters the queue.
func (g *Gateway) StartMatching(ctx context.Context, c Client, m protocol.StartMatchingMsg) error {
	if !g.allow(ctx, c.ID, g.opts.StartMatchRule) {
		return clientError(protocol.CodeRateLimited, "too many matching requests")
	}

	cat := queue.Category(m.Category)
	if !queue.ValidCategory(cat) {
		return clientError(protocol.CodeInvalidCategory, "category must be male, female or couple")
	}
	filter := queue.Filter(m.Filter)
	if !queue.ValidFilter(filter) {
		return clientError(protocol.CodeInvalidFilter, "filter must be any, male, female or couple")
	}
	rf := region.Region(m.RegionFilter)
	if rf != region.Any && !region.Valid(rf) {
		return clientError(protocol.CodeInvalidRegion, "unknown region filter")
	}

	busy, err := g.Sessions.IsUserInSession(ctx, c.ID)
	if err != nil {
		return wrapError(protocol.CodeMatchingError, "could not start matching", err)
	}
	if busy {
		return clientError(protocol.CodeAlreadyInSession, "already in a session")
	}

	entry := queue.Entry{
		UserID:       c.ID,
		Category:     cat,
		Filter:       filter,
		Region:       c.Region,
		RegionFilter: rf,
		JoinedAt:     g.now(),
	}
	if err := g.Queue.Add(ctx, entry); err != nil {
		return wrapError(protocol.CodeMatchingError, "could not join the queue", err)
	}

	g.Transport.Send(c.ID, protocol.TypeQueued, protocol.QueuedMsg{Position: g.position(ctx, c.ID)})
	g.offers.Schedule(c.ID)
	g.kickMatcher(c.ID)

	log.Printf("[gateway] %s queued (category=%s filter=%s region=%s regionFilter=%s)",
		c.ID, cat, filter, c.Region, rf)
	return nil
}

// CancelMatching leaves the queue. Cancelling while not queued is a no-op.
func (g *Gateway) CancelMatching(ctx context.Context, c Client) error {
	g.offers.Cancel(c.ID)
	e, err := g.Queue.Get(ctx, c.ID)
	if err != nil {
		return wrapError(protocol.CodeMatchingError, "could not cancel matching", err)
	}
	if e == nil {
		return nil
	}
	if err := g.Queue.Remove(ctx, c.ID); err != nil {
		return wrapError(protocol.CodeMatchingError, "could not cancel matching", err)
	}
	log.Printf("[gateway] %s left the queue", c.ID)
	return nil
}

// AcceptBot pairs a user that was offered a bot with a fresh bot peer.
func (g *Gateway) AcceptBot(ctx context.Context, c Client) error {
	e, err := g.Queue.Get(ctx, c.ID)
	if err != nil {
		return wrapError(protocol.CodeMatchingError, "could not accept bot", err)
	}
	if e == nil || !e.OfferedBot {
		return clientError(protocol.CodeNotQueued, "no bot offer pending")
	}

	// The entry stays queued until the session exists so a failure leaves
	// the user waiting rather than nowhere.
	s, err := g.Sessions.CreateSession(ctx, session.CreateParams{
		User1:   c.ID,
		User2:   session.NewBotID(),
		IsBot:   true,
		Region1: c.Region,
		Region2: c.Region,
	})
	if err != nil {
		return wrapError(protocol.CodeMatchingError, "could not start bot session", err)
	}
	g.offers.Cancel(c.ID)
	if err := g.Queue.Remove(ctx, c.ID); err != nil {
		log.Printf("[gateway] accept bot: queue remove %s: %v", c.ID, err)
	}
	sendMatched(g.Transport, s, c.ID, c.Region, false)
	return nil
}

// CreateLink issues an invite link owned by the client.
func (g *Gateway) CreateLink(ctx context.Context, c Client, m protocol.CreateLinkMsg) error {
	l, err := g.Links.Create(ctx, c.ID, m.Reusable)
	if err != nil {
		return wrapError(protocol.CodeInternal, "could not create link", err)
	}
	g.Transport.Send(c.ID, protocol.TypeLinkCreated, protocol.LinkCreatedMsg{
		LinkID:    l.ID,
		URL:       g.Links.URL(l.ID),
		ExpiresAt: l.ExpiresAt.UnixMilli(),
		Reusable:  l.Reusable,
	})
	return nil
}

// JoinSession connects the client with the creator of an invite link.
func (g *Gateway) JoinSession(ctx context.Context, c Client, m protocol.JoinSessionMsg) error {
	if m.LinkID == "" {
		return clientError(protocol.CodeInvalidLink, "link id is required")
	}
	busy, err := g.Sessions.IsUserInSession(ctx, c.ID)
	if err != nil {
		return wrapError(protocol.CodeJoinError, "could not join", err)
	}
	if busy {
		return clientError(protocol.CodeAlreadyInSession, "already in a session")
	}

	l, err := g.Links.Get(ctx, m.LinkID)
	if err != nil {
		return wrapError(protocol.CodeJoinError, "could not join", err)
	}
	if l == nil {
		return clientError(protocol.CodeInvalidLink, "link is invalid or expired")
	}
	if l.CreatorID == c.ID {
		return clientError(protocol.CodeInvalidLink, "cannot join your own link")
	}

	creatorBusy, err := g.Sessions.IsUserInSession(ctx, l.CreatorID)
	if err != nil {
		return wrapError(protocol.CodeJoinError, "could not join", err)
	}
	if creatorBusy || !g.Transport.Online(l.CreatorID) {
		return clientError(protocol.CodeCreatorUnavailable, "the link creator is not available")
	}

	if _, err := g.Links.Join(ctx, m.LinkID); err != nil {
		if errors.Is(err, link.ErrLinkUsed) || errors.Is(err, link.ErrLinkNotFound) {
			return wrapError(protocol.CodeInvalidLink, "link is invalid or expired", err)
		}
		return wrapError(protocol.CodeJoinError, "could not join", err)
	}

	creatorRegion := g.regionOf(l.CreatorID)
	s, err := g.Sessions.CreateSession(ctx, session.CreateParams{
		User1:   l.CreatorID,
		User2:   c.ID,
		Region1: creatorRegion,
		Region2: c.Region,
		LinkID:  l.ID,
	})
	if err != nil {
		if rerr := g.Links.Release(ctx, l.ID); rerr != nil {
			log.Printf("[gateway] join %s: release link: %v", l.ID, rerr)
		}
		return wrapError(protocol.CodeJoinError, "could not join", err)
	}

	// Either side may still be waiting for a random match.
	for _, uid := range []string{l.CreatorID, c.ID} {
		g.offers.Cancel(uid)
		if err := g.Queue.Remove(ctx, uid); err != nil {
			log.Printf("[gateway] join %s: queue remove %s: %v", m.LinkID, uid, err)
		}
	}

	sendMatched(g.Transport, s, l.CreatorID, creatorRegion, true)
	sendMatched(g.Transport, s, c.ID, c.Region, false)
	return nil
}

// Signal relays an offer, answer or ICE candidate to the peer.
func (g *Gateway) Signal(ctx context.Context, c Client, event string, payload interface{}) error {
	return g.Relay.Forward(ctx, c.ID, event, payload)
}

// Text relays a chat message.
func (g *Gateway) Text(ctx context.Context, c Client, m protocol.TextMsg) error {
	if !g.allow(ctx, c.ID, g.opts.TextMessageRule) {
		return clientError(protocol.CodeRateLimited, "too many messages")
	}
	return g.Relay.Text(ctx, c.ID, m.Text)
}

// EndSession ends the client's session and notifies the peer. Ending
// with no session is a no-op.
func (g *Gateway) EndSession(ctx context.Context, c Client) error {
	s, err := g.Sessions.EndUserSession(ctx, c.ID)
	if err != nil {
		return wrapError(protocol.CodeInternal, "could not end session", err)
	}
	if s == nil {
		return nil
	}
	g.afterEnd(s, c.ID)
	g.Transport.Send(c.ID, protocol.TypeSessionEnded, protocol.SessionEndedMsg{})
	return nil
}

// HandleSessionEnded reacts to a session ended on another instance.
func (g *Gateway) HandleSessionEnded(e messaging.SessionEndedEvent) {
	if e.Origin == g.opts.Instance {
		return
	}
	if e.IsBot && g.Responder != nil {
		g.Responder.Forget(e.SessionID)
	}
}

// afterEnd tells the peer and the cluster that s ended because endedBy left.
func (g *Gateway) afterEnd(s *session.Session, endedBy string) {
	peerID, _ := s.Partner(endedBy)
	if s.IsBotPeer(peerID) {
		if g.Responder != nil {
			g.Responder.Forget(s.ID)
		}
	} else {
		g.Transport.Send(peerID, protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{})
	}

	if g.Events != nil {
		err := g.Events.PublishSessionEnded(messaging.SessionEndedEvent{
			SessionID: s.ID,
			User1ID:   s.User1ID,
			User2ID:   s.User2ID,
			IsBot:     s.IsUser2Bot,
			EndedAt:   g.now().UnixMilli(),
			Origin:    g.opts.Instance,
		})
		if err != nil {
			log.Printf("[gateway] publish session ended %s: %v", s.ID, err)
		}
	}
}

func (g *Gateway) offerBot(userID string) {
	g.Transport.Send(userID, protocol.TypeBotAvailable, protocol.BotAvailableMsg{})
}

func (g *Gateway) kickMatcher(userID string) {
	if g.Matcher != nil {
		g.Matcher.Trigger()
		return
	}
	if g.Events != nil {
		if err := g.Events.PublishQueueAdded(userID); err != nil {
			log.Printf("[gateway] publish queue added %s: %v", userID, err)
		}
	}
}

// position is the user's 1-based rank in the queue by join time.
func (g *Gateway) position(ctx context.Context, userID string) int {
	entries, err := g.Queue.ListAll(ctx)
	if err != nil {
		return 0
	}
	for i, e := range entries {
		if e.UserID == userID {
			return i + 1
		}
	}
	return len(entries)
}

func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if g.Limiter == nil {
		return true
	}
	ok, _ := g.Limiter.Allow(ctx, userID, rule)
	return ok
}

func (g *Gateway) regionOf(userID string) region.Region {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.regions[userID]; ok {
		return r
	}
	return region.Any
}
