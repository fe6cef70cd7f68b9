package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openshaper/shaperd/pkg/bus"
	"github.com/openshaper/shaperd/pkg/log"
)

// ProtocolVersion is bumped when the wire format changes.
const ProtocolVersion = 1

// acceptanceString is the literal the client must echo back during the
// handshake.
const acceptanceString = "shaperd-telemetry"

// WsHello is the server's opening frame.
type WsHello struct {
	Event       string `cbor:"event"`
	Version     int    `cbor:"version"`
	Requirement string `cbor:"requirement"`
	Token       string `cbor:"token"`
}

// WsHelloReply is the client's required answer.
type WsHelloReply struct {
	Ack   string `cbor:"ack"`
	Token string `cbor:"token"`
}

// WsControl is every post-handshake client frame: channel management
// or a one-shot query.
type WsControl struct {
	Type    string       `cbor:"type"`
	Channel string       `cbor:"channel,omitempty"`
	Request *bus.Request `cbor:"request,omitempty"`
	Term    string       `cbor:"term,omitempty"`
}

// QueryHandler answers one-shot queries arriving over the socket.
type QueryHandler func(bus.Request) bus.Reply

// SearchHandler answers free-text searches.
type SearchHandler func(term string) any

// WsServer upgrades HTTP connections into telemetry subscribers.
type WsServer struct {
	registry *Registry
	queries  QueryHandler
	search   SearchHandler
	upgrader websocket.Upgrader
}

// NewWsServer builds the WebSocket endpoint handler.
func NewWsServer(registry *Registry, queries QueryHandler, search SearchHandler) *WsServer {
	return &WsServer{
		registry: registry,
		queries:  queries,
		search:   search,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle is the gin route for /ws.
func (ws *WsServer) Handle(c *gin.Context) {
	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	subscriber, ok := ws.handshake(conn)
	if !ok {
		return
	}
	ws.registry.Attach(subscriber)
	defer ws.registry.Detach(subscriber)

	done := make(chan struct{})
	go ws.writer(conn, subscriber, done)
	ws.reader(conn, subscriber)
	close(done)
}

// handshake sends the hello and verifies the echo. Any mismatch closes
// the socket with no state mutated.
func (ws *WsServer) handshake(conn *websocket.Conn) (*Subscriber, bool) {
	token := newToken()
	hello, err := cbor.Marshal(WsHello{
		Event:       "hello",
		Version:     ProtocolVersion,
		Requirement: acceptanceString,
		Token:       token,
	})
	if err != nil {
		return nil, false
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return nil, false
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var reply WsHelloReply
	if err := cbor.Unmarshal(raw, &reply); err != nil || reply.Ack != acceptanceString || reply.Token != token {
		log.Logger.Warn().Msg("websocket handshake mismatch, closing")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "handshake mismatch"), wsDeadline())
		return nil, false
	}
	return NewSubscriber(token), true
}

func (ws *WsServer) reader(conn *websocket.Conn, subscriber *Subscriber) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		var control WsControl
		if err := cbor.Unmarshal(raw, &control); err != nil {
			log.Logger.Debug().Err(err).Msg("unparseable websocket control frame")
			continue
		}
		switch control.Type {
		case "subscribe":
			if ws.registry.KnownChannel(control.Channel) {
				subscriber.Subscribe(control.Channel)
			}
		case "unsubscribe":
			subscriber.Unsubscribe(control.Channel)
		case "query":
			if control.Request == nil || ws.queries == nil {
				continue
			}
			reply := ws.queries(*control.Request)
			ws.enqueueReply(subscriber, "reply", reply)
		case "search":
			if ws.search == nil {
				continue
			}
			ws.enqueueReply(subscriber, "search", ws.search(control.Term))
		}
	}
}

func (ws *WsServer) enqueueReply(subscriber *Subscriber, event string, payload any) {
	data, err := cbor.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := cbor.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	subscriber.Enqueue(frame)
}

func (ws *WsServer) writer(conn *websocket.Conn, subscriber *Subscriber, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-subscriber.Outbox():
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

func wsDeadline() time.Time { return time.Now().Add(time.Second) }

func newToken() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
