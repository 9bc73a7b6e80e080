package internal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrontend accepts the same game protocol over WebSocket for clients that
// cannot open raw TCP connections (e.g. browsers). Each upgraded connection
// is wrapped in an adapter and handed to the shared client handling loop, so
// the Backend never knows which transport it is talking over.
type wsFrontend struct {
	frontend

	server *http.Server
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	// The gateway protocol carries its own authentication; cross-origin
	// browser clients are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (f *wsFrontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}

	clientWg := &sync.WaitGroup{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			f.Logger.Warnf("[%s] websocket upgrade failed for %s: %s",
				f.Backend.Identifier(), r.RemoteAddr, err)
			return
		}
		clientWg.Add(1)
		go f.acceptClient(ctx, newWSConn(conn), clientWg)
	})

	f.server = &http.Server{Addr: f.Address, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Logger.Printf("[%s] waiting for websocket connections on %v", f.Backend.Identifier(), f.Address)
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.Logger.Errorf("[%s] websocket listener error: %s", f.Backend.Identifier(), err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.server.Shutdown(shutdownCtx)
		clientWg.Wait()
		f.Logger.Infof("[%v] websocket listener exited", f.Backend.Identifier())
	}()

	return nil
}

// wsConn adapts a message-oriented WebSocket connection to the byte-stream
// interface the frame reader expects. Reads drain binary messages in order;
// every Write becomes one binary message.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, reader, err := c.ws.NextReader()
			if err != nil {
				return 0, io.EOF
			}
			if messageType != websocket.BinaryMessage {
				continue // the protocol is binary only; skip stray text frames
			}
			c.reader = reader
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, fmt.Errorf("websocket write error: %w", err)
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
