package gateway

import (
	"context"
	"log"
	"time"

	"github.com/anonmeet/meet-server/internal/protocol"
	"github.com/anonmeet/meet-server/internal/ws"
)

// handlerTimeout bounds the store work done for one inbound message.
const handlerTimeout = 5 * time.Second

// Attach registers every protocol handler on the dispatcher and hooks the
// server's connection lifecycle.
func (g *Gateway) Attach(server *ws.Server, d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStartMatching, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.StartMatching(ctx, c, msg.(protocol.StartMatchingMsg))
	}))
	d.Register(protocol.TypeCancelMatching, g.handle(func(ctx context.Context, c Client, _ interface{}) error {
		return g.CancelMatching(ctx, c)
	}))
	d.Register(protocol.TypeAcceptBot, g.handle(func(ctx context.Context, c Client, _ interface{}) error {
		return g.AcceptBot(ctx, c)
	}))
	d.Register(protocol.TypeCreateLink, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.CreateLink(ctx, c, msg.(protocol.CreateLinkMsg))
	}))
	d.Register(protocol.TypeJoinSession, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.JoinSession(ctx, c, msg.(protocol.JoinSessionMsg))
	}))
	d.Register(protocol.TypeOffer, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.Signal(ctx, c, protocol.TypeOffer, msg)
	}))
	d.Register(protocol.TypeAnswer, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.Signal(ctx, c, protocol.TypeAnswer, msg)
	}))
	d.Register(protocol.TypeICECandidate, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.Signal(ctx, c, protocol.TypeICECandidate, msg)
	}))
	d.Register(protocol.TypeTextMessage, g.handle(func(ctx context.Context, c Client, msg interface{}) error {
		return g.Text(ctx, c, msg.(protocol.TextMsg))
	}))
	d.Register(protocol.TypeEndSession, g.handle(func(ctx context.Context, c Client, _ interface{}) error {
		return g.EndSession(ctx, c)
	}))

	server.SetOnConnect(func(conn *ws.Connection) {
		g.Connect(Client{ID: conn.ID, Region: conn.Region})
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		g.Disconnect(ctx, conn.ID)
	})
}

func (g *Gateway) handle(fn func(ctx context.Context, c Client, msg interface{}) error) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		c := Client{ID: conn.ID, Region: conn.Region}
		if err := fn(ctx, c, msg); err != nil {
			g.fail(c.ID, err)
		}
	}
}

// fail reports err to the one client that caused it.
func (g *Gateway) fail(userID string, err error) {
	payload := ToProtocol(err)
	if payload.Code == protocol.CodeInternal || payload.Code == protocol.CodeMatchingError || payload.Code == protocol.CodeJoinError {
		log.Printf("[gateway] %s: %v", userID, err)
	}
	g.Transport.Send(userID, protocol.TypeError, payload)
}
