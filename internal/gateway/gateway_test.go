package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anonmeet/meet-server/internal/bot"
	"github.com/anonmeet/meet-server/internal/link"
	"github.com/anonmeet/meet-server/internal/matching"
	"github.com/anonmeet/meet-server/internal/messaging"
	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/ratelimit"
	"github.com/anonmeet/meet-server/internal/region"
	"github.com/anonmeet/meet-server/internal/relay"
	"github.com/anonmeet/meet-server/internal/session"
)

type event struct {
	name    string
	payload interface{}
}

type fakeTransport struct {
	mu     sync.Mutex
	online map[string]bool
	inbox  map[string][]event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{online: make(map[string]bool), inbox: make(map[string][]event)}
}

func (f *fakeTransport) connect(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.online[id] = true
	}
}

func (f *fakeTransport) Send(userID, name string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.inbox[userID] = append(f.inbox[userID], event{name, payload})
	return true
}

func (f *fakeTransport) Online(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakeTransport) events(userID string) []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event(nil), f.inbox[userID]...)
}

func (f *fakeTransport) last(t *testing.T, userID string) event {
	t.Helper()
	evs := f.events(userID)
	if len(evs) == 0 {
		t.Fatalf("%s received nothing", userID)
	}
	return evs[len(evs)-1]
}

func (f *fakeTransport) find(userID, name string) (event, bool) {
	for _, e := range f.events(userID) {
		if e.name == name {
			return e, true
		}
	}
	return event{}, false
}

type fakeEvents struct {
	mu     sync.Mutex
	ended  []messaging.SessionEndedEvent
	queued []string
}

func (f *fakeEvents) PublishSessionEnded(e messaging.SessionEndedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, e)
	return nil
}

func (f *fakeEvents) PublishQueueAdded(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, userID)
	return nil
}

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// failingSessions refuses every Create.
type failingSessions struct {
	session.Store
}

func (failingSessions) Create(context.Context, *session.Session) error {
	return errors.New("store unavailable")
}

type denyLimiter struct{ key string }

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != d.key, nil
}

type recordingResponder struct {
	*bot.MockResponder
	mu        sync.Mutex
	forgotten []string
}

func (r *recordingResponder) Forget(sessionID string) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, sessionID)
	r.mu.Unlock()
	r.MockResponder.Forget(sessionID)
}

type harness struct {
	gw        *Gateway
	queue     *queue.MemoryStore
	sessions  *session.Manager
	links     *link.Service
	transport *fakeTransport
	events    *fakeEvents
	trigger   *countingTrigger
	responder *recordingResponder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		queue:     queue.NewMemoryStore(time.Minute),
		sessions:  session.NewManager(session.NewMemoryStore(time.Hour)),
		links:     link.NewService(link.NewMemoryStore(), time.Hour, "https://meet.example"),
		transport: newFakeTransport(),
		events:    &fakeEvents{},
		trigger:   &countingTrigger{},
		responder: &recordingResponder{MockResponder: bot.NewMockResponder()},
	}
	if opts.BotOfferDelay == 0 {
		opts.BotOfferDelay = time.Hour
	}
	if opts.Instance == "" {
		opts.Instance = "test-1"
	}
	h.gw = New(Deps{
		Queue:     h.queue,
		Sessions:  h.sessions,
		Links:     h.links,
		Relay:     relay.New(h.sessions, h.transport, h.responder, 0, 0),
		Responder: h.responder,
		Transport: h.transport,
		Events:    h.events,
		Matcher:   h.trigger,
	}, opts)
	t.Cleanup(h.gw.Close)
	return h
}

func (h *harness) client(id string, r region.Region) Client {
	h.transport.connect(id)
	c := Client{ID: id, Region: r}
	h.gw.Connect(c)
	return c
}

func errCode(err error) string {
	return ToProtocol(err).Code
}

func startMsg(cat, filter, rf string) protocol.StartMatchingMsg {
	return protocol.StartMatchingMsg{Category: cat, Filter: filter, RegionFilter: rf}
}

// ---------- StartMatching tests ----------

func TestStartMatching_Validation(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.client("u1", region.Europe)
	ctx := context.Background()

	tests := []struct {
		msg  protocol.StartMatchingMsg
		code string
	}{
		{startMsg("robot", "any", "any"), protocol.CodeInvalidCategory},
		{startMsg("", "any", "any"), protocol.CodeInvalidCategory},
		{startMsg("male", "robots", "any"), protocol.CodeInvalidFilter},
		{startMsg("male", "any", "atlantis"), protocol.CodeInvalidRegion},
		{startMsg("male", "", "any"), protocol.CodeInvalidFilter},
		{startMsg("male", "any", ""), protocol.CodeInvalidRegion},
	}
	for _, tt := range tests {
		err := h.gw.StartMatching(ctx, c, tt.msg)
		if got := errCode(err); got != tt.code {
			t.Errorf("%+v: code = %s, want %s", tt.msg, got, tt.code)
		}
	}
	if e, _ := h.queue.Get(ctx, "u1"); e != nil {
		t.Error("validation failures must not enqueue")
	}
}

func TestStartMatching_QueuesAndTriggers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.client("u1", region.Europe)
	b := h.client("u2", region.Asia)

	if err := h.gw.StartMatching(ctx, a, startMsg("male", "any", "any")); err != nil {
		t.Fatalf("StartMatching: %v", err)
	}
	if err := h.gw.StartMatching(ctx, b, startMsg("female", "male", "europe")); err != nil {
		t.Fatalf("StartMatching: %v", err)
	}

	e, _ := h.queue.Get(ctx, "u1")
	if e == nil || e.Filter != queue.FilterAny || e.RegionFilter != region.Any || e.Region != region.Europe {
		t.Errorf("unexpected entry %+v", e)
	}

	q := h.transport.last(t, "u2")
	if q.name != protocol.TypeQueued || q.payload.(protocol.QueuedMsg).Position != 2 {
		t.Errorf("u2 got %+v, want queued at position 2", q)
	}
	if h.trigger.n != 2 {
		t.Errorf("matcher triggered %d times, want 2", h.trigger.n)
	}
}

func TestStartMatching_PublishesWhenMatcherIsRemote(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.Matcher = nil
	c := h.client("u1", region.Europe)

	if err := h.gw.StartMatching(context.Background(), c, startMsg("male", "any", "any")); err != nil {
		t.Fatalf("StartMatching: %v", err)
	}
	if len(h.events.queued) != 1 || h.events.queued[0] != "u1" {
		t.Errorf("queue-added events = %v", h.events.queued)
	}
}

func TestStartMatching_AlreadyInSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	c := h.client("u1", region.Europe)
	h.client("u2", region.Europe)
	h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: "u2"})

	err := h.gw.StartMatching(ctx, c, startMsg("male", "any", "any"))
	if errCode(err) != protocol.CodeAlreadyInSession {
		t.Errorf("code = %s, want ALREADY_IN_SESSION", errCode(err))
	}
}

func TestStartMatching_RateLimited(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.Limiter = denyLimiter{key: ratelimit.RuleStartMatching.Key}
	c := h.client("u1", region.Europe)

	err := h.gw.StartMatching(context.Background(), c, startMsg("male", "any", "any"))
	if errCode(err) != protocol.CodeRateLimited {
		t.Errorf("code = %s, want RATE_LIMITED", errCode(err))
	}
}

// ---------- CancelMatching tests ----------

func TestCancelMatching(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	c := h.client("u1", region.Europe)

	if err := h.gw.CancelMatching(ctx, c); err != nil {
		t.Errorf("cancel while idle: %v, want no-op", err)
	}
	if evs := h.transport.events("u1"); len(evs) != 0 {
		t.Errorf("cancel while idle sent %+v", evs)
	}

	h.gw.StartMatching(ctx, c, startMsg("male", "any", "any"))
	if err := h.gw.CancelMatching(ctx, c); err != nil {
		t.Fatalf("CancelMatching: %v", err)
	}
	if e, _ := h.queue.Get(ctx, "u1"); e != nil {
		t.Error("user should have left the queue")
	}
}

// ---------- Bot fallback tests ----------

func TestBotOffer_DeliveredAfterDelay(t *testing.T) {
	h := newHarness(t, Options{BotOfferDelay: 20 * time.Millisecond})
	c := h.client("u1", region.Europe)
	h.gw.StartMatching(context.Background(), c, startMsg("male", "any", "any"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.transport.find("u1", protocol.TypeBotAvailable); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bot-available never delivered")
}

func TestAcceptBot(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	c := h.client("u1", region.Oceania)

	if err := h.gw.AcceptBot(ctx, c); errCode(err) != protocol.CodeNotQueued {
		t.Errorf("accept without queue: code = %s, want NOT_QUEUED", errCode(err))
	}

	h.gw.StartMatching(ctx, c, startMsg("male", "any", "any"))
	if err := h.gw.AcceptBot(ctx, c); errCode(err) != protocol.CodeNotQueued {
		t.Errorf("accept before offer: code = %s, want NOT_QUEUED", errCode(err))
	}

	h.queue.MarkOfferedBot(ctx, "u1")
	if err := h.gw.AcceptBot(ctx, c); err != nil {
		t.Fatalf("AcceptBot: %v", err)
	}

	m, ok := h.transport.find("u1", protocol.TypeMatched)
	if !ok {
		t.Fatal("matched not sent")
	}
	mm := m.payload.(protocol.MatchedMsg)
	if !mm.IsPeerBot || !session.IsBotID(mm.PeerID) || mm.SessionID == "" {
		t.Errorf("unexpected matched payload %+v", mm)
	}
	if len(mm.ICEServers) == 0 {
		t.Error("matched should carry ICE servers")
	}
	if e, _ := h.queue.Get(ctx, "u1"); e != nil {
		t.Error("user should have left the queue")
	}
}

// ---------- Matching tests ----------

func TestFinalizeMatch_EndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.client("u1", region.Europe)
	b := h.client("u2", region.Africa)
	h.gw.StartMatching(ctx, a, startMsg("male", "female", "any"))
	h.gw.StartMatching(ctx, b, startMsg("female", "male", "any"))

	svc := matching.NewService(h.queue, NewMatchFinalizer(h.sessions, h.queue, h.transport), time.Hour)
	n, err := svc.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v; want 1 match", n, err)
	}

	ma, ok := h.transport.find("u1", protocol.TypeMatched)
	if !ok {
		t.Fatal("u1 not notified")
	}
	mb, ok := h.transport.find("u2", protocol.TypeMatched)
	if !ok {
		t.Fatal("u2 not notified")
	}
	pa, pb := ma.payload.(protocol.MatchedMsg), mb.payload.(protocol.MatchedMsg)
	if pa.SessionID != pb.SessionID || pa.PeerID != "u2" || pb.PeerID != "u1" {
		t.Errorf("inconsistent matched payloads %+v / %+v", pa, pb)
	}
	if pa.Initiator == pb.Initiator {
		t.Error("exactly one side should initiate")
	}
	if pa.IsPeerBot || pb.IsPeerBot {
		t.Error("human match flagged as bot")
	}
	if peer, ok, _ := h.sessions.GetPartner(ctx, "u1"); !ok || peer != "u2" {
		t.Errorf("partner of u1 = %q", peer)
	}
}

func TestFinalizeMatch_BusyUserRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.client("u1", region.Europe)
	h.client("u2", region.Europe)
	h.client("u3", region.Europe)
	h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: "u3"})

	f := NewMatchFinalizer(h.sessions, h.queue, h.transport)
	err := f.FinalizeMatch(ctx, matching.Match{
		A: queue.Entry{UserID: "u1"},
		B: queue.Entry{UserID: "u2"},
	})
	if err == nil {
		t.Fatal("pair with a busy user must be rejected")
	}
	if s, _ := h.sessions.GetSessionByUser(ctx, "u2"); s != nil {
		t.Error("no session should be created for u2")
	}
}

// ---------- Link tests ----------

func TestCreateLink(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.client("u1", region.Europe)

	if err := h.gw.CreateLink(context.Background(), c, protocol.CreateLinkMsg{Reusable: true}); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	ev := h.transport.last(t, "u1")
	lc, ok := ev.payload.(protocol.LinkCreatedMsg)
	if !ok || ev.name != protocol.TypeLinkCreated {
		t.Fatalf("unexpected event %+v", ev)
	}
	if lc.URL != "https://meet.example/join/"+lc.LinkID || !lc.Reusable || lc.ExpiresAt == 0 {
		t.Errorf("unexpected link payload %+v", lc)
	}
}

func TestJoinSession_Flow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	creator := h.client("creator", region.SouthAmerica)
	joiner := h.client("joiner", region.NorthAmerica)
	late := h.client("late", region.NorthAmerica)

	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: "nope"}); errCode(err) != protocol.CodeInvalidLink {
		t.Errorf("unknown link: code = %s", errCode(err))
	}

	l, _ := h.links.Create(ctx, "creator", false)

	if err := h.gw.JoinSession(ctx, creator, protocol.JoinSessionMsg{LinkID: l.ID}); errCode(err) != protocol.CodeInvalidLink {
		t.Errorf("own link: code = %s", errCode(err))
	}

	// The creator was queued; joining must pull them out.
	h.gw.StartMatching(ctx, creator, startMsg("couple", "any", "any"))

	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: l.ID}); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	mc, ok := h.transport.find("creator", protocol.TypeMatched)
	if !ok {
		t.Fatal("creator not notified")
	}
	mj, ok := h.transport.find("joiner", protocol.TypeMatched)
	if !ok {
		t.Fatal("joiner not notified")
	}
	if mc.payload.(protocol.MatchedMsg).PeerID != "joiner" || mj.payload.(protocol.MatchedMsg).PeerID != "creator" {
		t.Error("peers not cross-referenced")
	}
	if !mc.payload.(protocol.MatchedMsg).Initiator {
		t.Error("creator should initiate")
	}
	if e, _ := h.queue.Get(ctx, "creator"); e != nil {
		t.Error("creator should have left the queue")
	}
	s, _ := h.sessions.GetSessionByUser(ctx, "joiner")
	if s == nil || s.LinkID != l.ID || s.User1Region != region.SouthAmerica {
		t.Errorf("unexpected session %+v", s)
	}

	// Single-use link is spent.
	if err := h.gw.JoinSession(ctx, late, protocol.JoinSessionMsg{LinkID: l.ID}); errCode(err) != protocol.CodeInvalidLink {
		t.Errorf("second join: code = %s, want INVALID_LINK", errCode(err))
	}
}

func TestAcceptBot_SessionFailureKeepsEntry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	c := h.client("u1", region.Europe)
	h.gw.StartMatching(ctx, c, startMsg("male", "any", "any"))
	h.queue.MarkOfferedBot(ctx, "u1")

	h.gw.Sessions = session.NewManager(failingSessions{session.NewMemoryStore(time.Hour)})
	if err := h.gw.AcceptBot(ctx, c); errCode(err) != protocol.CodeMatchingError {
		t.Fatalf("code = %s, want MATCHING_ERROR", errCode(err))
	}
	e, _ := h.queue.Get(ctx, "u1")
	if e == nil || !e.OfferedBot {
		t.Fatalf("entry after failed accept = %+v, want still offered", e)
	}

	h.gw.Sessions = h.sessions
	if err := h.gw.AcceptBot(ctx, c); err != nil {
		t.Fatalf("retry AcceptBot: %v", err)
	}
	if e, _ := h.queue.Get(ctx, "u1"); e != nil {
		t.Error("user should leave the queue once the bot session exists")
	}
}

func TestJoinSession_SessionFailureKeepsLink(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	creator := h.client("creator", region.Europe)
	joiner := h.client("joiner", region.Europe)
	h.gw.StartMatching(ctx, creator, startMsg("female", "any", "any"))
	l, _ := h.links.Create(ctx, "creator", false)

	h.gw.Sessions = session.NewManager(failingSessions{session.NewMemoryStore(time.Hour)})
	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: l.ID}); errCode(err) != protocol.CodeJoinError {
		t.Fatalf("code = %s, want JOIN_ERROR", errCode(err))
	}
	if got, _ := h.links.Get(ctx, l.ID); got == nil {
		t.Fatal("single-use link burned by a failed join")
	}
	if e, _ := h.queue.Get(ctx, "creator"); e == nil {
		t.Error("creator should still be queued after a failed join")
	}

	h.gw.Sessions = h.sessions
	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: l.ID}); err != nil {
		t.Fatalf("retry JoinSession: %v", err)
	}
	if e, _ := h.queue.Get(ctx, "creator"); e != nil {
		t.Error("creator should leave the queue once joined")
	}
}

func TestJoinSession_CreatorUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	joiner := h.client("joiner", region.Europe)
	h.client("other", region.Europe)

	offline, _ := h.links.Create(ctx, "ghost", true)
	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: offline.ID}); errCode(err) != protocol.CodeCreatorUnavailable {
		t.Errorf("offline creator: code = %s", errCode(err))
	}

	h.client("busy", region.Europe)
	h.sessions.CreateSession(ctx, session.CreateParams{User1: "busy", User2: "other"})
	busy, _ := h.links.Create(ctx, "busy", true)
	if err := h.gw.JoinSession(ctx, joiner, protocol.JoinSessionMsg{LinkID: busy.ID}); errCode(err) != protocol.CodeCreatorUnavailable {
		t.Errorf("busy creator: code = %s", errCode(err))
	}
}

// ---------- Session end tests ----------

func TestEndSession_NotifiesPeer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.client("u1", region.Europe)
	h.client("u2", region.Europe)

	s, _ := h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: "u2"})
	if err := h.gw.EndSession(ctx, a); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ev := h.transport.last(t, "u2"); ev.name != protocol.TypePeerDisconnected {
		t.Errorf("peer got %s, want peer-disconnected", ev.name)
	}
	if ev := h.transport.last(t, "u1"); ev.name != protocol.TypeSessionEnded {
		t.Errorf("requester got %s, want session-ended", ev.name)
	}
	if len(h.events.ended) != 1 || h.events.ended[0].SessionID != s.ID || h.events.ended[0].Origin != "test-1" {
		t.Errorf("session-ended events = %+v", h.events.ended)
	}

	// A second end is a no-op.
	before := len(h.transport.events("u2"))
	if err := h.gw.EndSession(ctx, a); err != nil {
		t.Errorf("second end: %v", err)
	}
	if len(h.transport.events("u2")) != before || len(h.events.ended) != 1 {
		t.Error("second end must not notify again")
	}
}

func TestEndSession_IdleIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.client("u1", region.Europe)

	if err := h.gw.EndSession(context.Background(), a); err != nil {
		t.Errorf("end while idle: %v, want no-op", err)
	}
	if evs := h.transport.events("u1"); len(evs) != 0 {
		t.Errorf("end while idle sent %+v", evs)
	}
	if len(h.events.ended) != 0 {
		t.Errorf("end while idle published %+v", h.events.ended)
	}
}

func TestEndSession_BotForgotten(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.client("u1", region.Europe)
	s, _ := h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: session.NewBotID(), IsBot: true})

	h.gw.EndSession(ctx, a)
	h.responder.mu.Lock()
	defer h.responder.mu.Unlock()
	if len(h.responder.forgotten) != 1 || h.responder.forgotten[0] != s.ID {
		t.Errorf("forgotten = %v, want [%s]", h.responder.forgotten, s.ID)
	}
}

func TestDisconnect_CleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.client("u1", region.Europe)
	h.client("u2", region.Europe)
	c3 := h.client("u3", region.Europe)

	h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: "u2"})
	h.gw.StartMatching(ctx, c3, startMsg("male", "any", "any"))

	h.gw.Disconnect(ctx, "u1")
	h.gw.Disconnect(ctx, "u3")

	if ev := h.transport.last(t, "u2"); ev.name != protocol.TypePeerDisconnected {
		t.Errorf("peer got %s, want peer-disconnected", ev.name)
	}
	if in, _ := h.sessions.IsUserInSession(ctx, "u2"); in {
		t.Error("peer should be free after disconnect")
	}
	if e, _ := h.queue.Get(ctx, "u3"); e != nil {
		t.Error("disconnected user should leave the queue")
	}
}

// ---------- Relay tests ----------

func TestText_RelayedAndRateLimited(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.client("u1", region.Europe)
	h.client("u2", region.Europe)
	h.sessions.CreateSession(ctx, session.CreateParams{User1: "u1", User2: "u2"})

	if err := h.gw.Text(ctx, a, protocol.TextMsg{Text: "hello"}); err != nil {
		t.Fatalf("Text: %v", err)
	}
	if ev := h.transport.last(t, "u2"); ev.payload.(protocol.TextMsg).Text != "hello" {
		t.Errorf("peer got %+v", ev)
	}
	if err := h.gw.Text(ctx, a, protocol.TextMsg{Text: ""}); errCode(err) != protocol.CodeInvalidText {
		t.Errorf("empty text: code = %s", errCode(err))
	}

	h.gw.Limiter = denyLimiter{key: ratelimit.RuleText.Key}
	if err := h.gw.Text(ctx, a, protocol.TextMsg{Text: "spam"}); errCode(err) != protocol.CodeRateLimited {
		t.Errorf("code = %s, want RATE_LIMITED", errCode(err))
	}
}

func TestSignal_NoSession(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.client("u1", region.Europe)
	err := h.gw.Signal(context.Background(), c, protocol.TypeOffer, protocol.OfferMsg{})
	if errCode(err) != protocol.CodeNoSession {
		t.Errorf("code = %s, want NO_SESSION", errCode(err))
	}
}

// ---------- Error mapping tests ----------

func TestToProtocol(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{clientError(protocol.CodeNotQueued, "x"), protocol.CodeNotQueued},
		{fmt.Errorf("wrapped: %w", clientError(protocol.CodeInvalidFilter, "x")), protocol.CodeInvalidFilter},
		{relay.ErrNoSession, protocol.CodeNoSession},
		{fmt.Errorf("%w: too long", relay.ErrInvalidText), protocol.CodeInvalidText},
		{&relay.BlockedError{Reason: "links are not allowed"}, protocol.CodeTextBlocked},
		{link.ErrLinkUsed, protocol.CodeInvalidLink},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		if got := ToProtocol(tt.err); got.Code != tt.code || got.Type != protocol.TypeError {
			t.Errorf("ToProtocol(%v) = %+v, want code %s", tt.err, got, tt.code)
		}
	}

	// Underlying causes stay out of the client message.
	msg := ToProtocol(wrapError(protocol.CodeJoinError, "could not join", errors.New("redis: connection refused")))
	if msg.Message != "could not join" {
		t.Errorf("message leaked cause: %q", msg.Message)
	}
}
