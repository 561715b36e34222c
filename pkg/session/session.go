package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parsec-cloud/parsecd/pkg/dispatch"
	"github.com/parsec-cloud/parsecd/pkg/log"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

// OrganizationHeader and DeviceHeader are the development-only request
// headers a connection's {organization, device} are read from. A real
// deployment terminates authentication upstream and rewrites these;
// parsecd itself never verifies them.
const (
	OrganizationHeader = "X-Parsec-Organization"
	DeviceHeader       = "X-Parsec-Device"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener serves commands over WebSocket connections, decoding each
// message with pkg/wire (via pkg/dispatch) and writing back the reply.
type Listener struct {
	dispatcher *dispatch.Dispatcher
}

// New builds a Listener that routes every command to dispatcher.
func New(dispatcher *dispatch.Dispatcher) *Listener {
	return &Listener{dispatcher: dispatcher}
}

// ServeHTTP upgrades the request to a WebSocket and serves commands on it
// until the connection closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := dispatch.ClientContext{
		Organization: types.OrganizationID(r.Header.Get(OrganizationHeader)),
		Device:       types.DeviceID(r.Header.Get(DeviceHeader)),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger.Error().Err(err).Msg("session: websocket upgrade failed")
		return
	}
	defer conn.Close()

	l.serve(conn, ctx)
}

// serve runs two goroutines racing on a shared context.CancelFunc, the
// nursery-scope pattern spec.md §9 calls for: one reads messages off the
// wire without ever blocking on a slow command, the other writes replies
// back serially. Reading must never block on dispatch, since a blocked
// events_listen is exactly the case a new incoming message needs to
// interrupt.
func (l *Listener) serve(conn *websocket.Conn, ctx dispatch.ClientContext) {
	type outbound struct {
		payload []byte
		done    chan struct{}
	}

	writeCh := make(chan outbound, 8)
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for out := range writeCh {
			if err := conn.WriteMessage(websocket.BinaryMessage, out.payload); err != nil {
				close(out.done)
				return
			}
			close(out.done)
		}
	}()
	defer func() {
		close(writeCh)
		writerWG.Wait()
	}()

	// current identifies the one in-flight command by pointer, since
	// context.CancelFunc values aren't comparable: a finishing goroutine
	// only clears the slot if it still holds the slot, rather than one a
	// newer command has since installed.
	type inFlight struct {
		cancel context.CancelFunc
	}
	var mu sync.Mutex
	var current *inFlight
	var dispatchWG sync.WaitGroup
	defer dispatchWG.Wait()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			mu.Lock()
			if current != nil {
				current.cancel()
			}
			mu.Unlock()
			return
		}

		mu.Lock()
		if current != nil {
			current.cancel()
		}
		goCtx, cancel := context.WithCancel(context.Background())
		mine := &inFlight{cancel: cancel}
		current = mine
		mu.Unlock()

		dispatchWG.Add(1)
		go func(payload []byte, goCtx context.Context, mine *inFlight) {
			defer dispatchWG.Done()
			reply := l.dispatcher.Dispatch(goCtx, ctx, payload)
			mine.cancel()

			mu.Lock()
			if current == mine {
				current = nil
			}
			mu.Unlock()

			done := make(chan struct{})
			writeCh <- outbound{payload: reply, done: done}
			<-done
		}(payload, goCtx, mine)
	}
}

// DialTimeout is exposed for tests and CLI tooling that need a bounded
// connection attempt against a Listener's HTTP server.
const DialTimeout = 10 * time.Second
