package protocol

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

// WebSocket is a reconnecting client connection. Text messages carry command
// lines, binary messages carry PCM16 frames.
type WebSocket struct {
	mu      sync.Mutex
	conn    *ws.Conn
	url     string
	reconn  time.Duration
	timeout time.Duration
}

func NewWebSocket(url string, reconn, timeout time.Duration) (*WebSocket, error) {
	log.Debug("init websocket protocol", "url", url)

	web := &WebSocket{
		url:     url,
		reconn:  reconn,
		timeout: timeout,
	}

	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Error("Failed to dial url", "url", url, "err", err)
		return nil, err
	}
	web.conn = conn

	return web, nil
}

func (web *WebSocket) URL() string {
	return web.url
}

func (web *WebSocket) current() *ws.Conn {
	web.mu.Lock()
	defer web.mu.Unlock()
	return web.conn
}

func (web *WebSocket) write(kind int, payload []byte) error {
	web.mu.Lock()
	defer web.mu.Unlock()
	if web.timeout > 0 {
		_ = web.conn.SetWriteDeadline(time.Now().Add(web.timeout))
	}
	return web.conn.WriteMessage(kind, payload)
}

// WriteCommand sends a command line as a text message.
func (web *WebSocket) WriteCommand(cmd Command) error {
	log.Debug("Write ws", "msg", cmd.String())
	return web.write(ws.TextMessage, []byte(cmd.String()))
}

// WriteFrame sends a frame as a binary message.
func (web *WebSocket) WriteFrame(f Frame) error {
	return web.write(ws.BinaryMessage, f.Bytes())
}

type WsIncomeKind uint

const (
	CONN_CLOSE WsIncomeKind = iota
	READ_FAILURE
	READ_TEXT
	READ_BINARY
)

type Income struct {
	Kind WsIncomeKind
	Msg  []byte
	Err  error
}

// Read blocks for the next message.
func (web *WebSocket) Read() Income {
	kind, msg, err := web.current().ReadMessage()
	if err != nil {
		if WsIsClosed(err) {
			return Income{Kind: CONN_CLOSE, Err: err}
		}
		return Income{Kind: READ_FAILURE, Err: err}
	}

	if kind == ws.BinaryMessage {
		return Income{Kind: READ_BINARY, Msg: msg}
	}
	log.Debug("Read ws", "msg", string(msg))
	return Income{Kind: READ_TEXT, Msg: msg}
}

// TryReconn redials until it succeeds or ctx is done.
func (web *WebSocket) TryReconn(ctx context.Context) error {
	for {
		conn, _, err := ws.DefaultDialer.DialContext(ctx, web.url, nil)
		if err == nil {
			web.mu.Lock()
			_ = web.conn.Close()
			web.conn = conn
			web.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(web.reconn):
		}
	}
}

func (web *WebSocket) Close() error {
	web.mu.Lock()
	defer web.mu.Unlock()
	_ = web.conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return web.conn.Close()
}

func WsIsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
