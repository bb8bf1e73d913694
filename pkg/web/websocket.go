package web

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
)

// WSCONN is one websocket connection from a client.
type WSCONN struct {
	WS   *websocket.Conn
	Stop chan bool
}

func (t *WSCONN) IsClosed() bool {
	return t.Stop == nil
}

func (t *WSCONN) Close() {
	if t.Stop != nil {
		close(t.Stop)
		t.Stop = nil
	}
}

// WSRelay fans the Changes channel out to every connected websocket
// client. It runs as a service alongside the REST API.
type WSRelay struct {
	changes chan lumisync.Change
	log     logrus.FieldLogger
	mu      sync.Mutex
	socks   []*WSCONN
}

func NewWSRelay(log logrus.FieldLogger, changes chan lumisync.Change) *WSRelay {
	return &WSRelay{changes: changes, log: log}
}

func (t *WSRelay) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		go func() {
		mainloop:
			for {
				select {
				case <-stop:
					break mainloop
				case c, ok := <-t.changes:
					if !ok {
						break mainloop
					}
					t.broadcast(c)
				}
			}
		}()
		started <- true
		<-stop
		t.closeAll()
		stopped <- true
	}()
	return nil
}

func (t *WSRelay) broadcast(c lumisync.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := t.socks[:0]
	for _, s := range t.socks {
		if s.IsClosed() {
			continue
		}
		if err := websocket.JSON.Send(s.WS, c); err != nil {
			t.log.Debugf("dropping websocket client: %v", err)
			s.Close()
			continue
		}
		live = append(live, s)
	}
	t.socks = live
}

func (t *WSRelay) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.socks {
		s.Close()
	}
	t.socks = nil
}

func (t *WSRelay) add(s *WSCONN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.socks = append(t.socks, s)
}

// GetWSHandler upgrades a request and registers the connection. The
// initial payload lets a reconnecting client resync before the next
// change arrives.
func (t *WSRelay) GetWSHandler(initialPayload func() any) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		s := &WSCONN{WS: ws, Stop: make(chan bool)}
		if p := initialPayload(); p != nil {
			if err := websocket.JSON.Send(ws, p); err != nil {
				ws.Close()
				return
			}
		}
		t.add(s)
		// hold the connection open until the relay closes it or the
		// client goes away
		<-s.Stop
		ws.Close()
	})
}
