package pluginhost

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tetratelabs/wazero/api"

	"github.com/flow-like/substrate/internal/domain"
)

type wsConnectArgs struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type wsSendArgs struct {
	Session  string `json:"session"`
	Data     []byte `json:"data"`
	IsBinary bool   `json:"is_binary"`
}

type wsReceiveArgs struct {
	Session   string `json:"session"`
	TimeoutMs int    `json:"timeout_ms"`
}

type wsFrame struct {
	Type string `json:"type"` // text, binary, close, ping, pong
	Data string `json:"data"` // base64 for binary, raw text for text
}

// linkWebsocket wires flow-like:node/websocket@0.1.0: connect, send,
// receive, close, all gated by CapWebsocket. Sessions are per-instance,
// addressed by an opaque id handed back from connect().
func (e *Engine) linkWebsocket(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder("flow-like:node/websocket@0.1.0")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapWebsocket) {
				return 0
			}
			var args wsConnectArgs
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			header := make(http.Header, len(args.Headers))
			for k, v := range args.Headers {
				header.Set(k, v)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, args.URL, header)
			if err != nil {
				return 0
			}

			s.mu.Lock()
			s.nextWSID++
			id := fmt.Sprintf("ws-%d", s.nextWSID)
			s.wsSessions[id] = &wsSession{conn: conn}
			s.mu.Unlock()

			return writeJSONResult(ctx, mod, id)
		}).
		Export("connect")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapWebsocket) {
				return 0
			}
			var args wsSendArgs
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			s.mu.Lock()
			sess, ok := s.wsSessions[args.Session]
			s.mu.Unlock()
			if !ok {
				return 0
			}
			msgType := websocket.TextMessage
			if args.IsBinary {
				msgType = websocket.BinaryMessage
			}
			if err := sess.conn.WriteMessage(msgType, args.Data); err != nil {
				return 0
			}
			return 1
		}).
		Export("send")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapWebsocket) {
				return 0
			}
			var args wsReceiveArgs
			if err := readJSONArg(mod, argPtr, argLen, &args); err != nil {
				return 0
			}
			s.mu.Lock()
			sess, ok := s.wsSessions[args.Session]
			s.mu.Unlock()
			if !ok {
				return 0
			}

			if args.TimeoutMs > 0 {
				deadline := time.Now().Add(time.Duration(args.TimeoutMs) * time.Millisecond)
				if deadliner, ok := sess.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
					_ = deadliner.SetReadDeadline(deadline)
				}
			}

			msgType, data, err := sess.conn.ReadMessage()
			if err != nil {
				return 0
			}

			frame := wsFrame{}
			switch msgType {
			case websocket.TextMessage:
				frame.Type = "text"
				frame.Data = string(data)
			case websocket.BinaryMessage:
				frame.Type = "binary"
				frame.Data = base64.StdEncoding.EncodeToString(data)
			case websocket.CloseMessage:
				frame.Type = "close"
			case websocket.PingMessage:
				frame.Type = "ping"
			case websocket.PongMessage:
				frame.Type = "pong"
			default:
				return 0
			}

			return writeJSONResult(ctx, mod, frame)
		}).
		Export("receive")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint32 {
			s := stateFromContext(ctx)
			if !chargeFuel(s) || !requireCapability(s, domain.CapWebsocket) {
				return 0
			}
			var session string
			if err := readJSONArg(mod, argPtr, argLen, &session); err != nil {
				return 0
			}
			s.mu.Lock()
			sess, ok := s.wsSessions[session]
			if ok {
				delete(s.wsSessions, session)
			}
			s.mu.Unlock()
			if !ok {
				return 0
			}
			if err := sess.conn.Close(); err != nil {
				return 0
			}
			return 1
		}).
		Export("close")

	compiled, err := builder.Instantiate(ctx)
	if err != nil {
		return newErr(ErrorConfiguration, "linkWebsocket", err)
	}
	e.closers = append(e.closers, compiled.Close)
	return nil
}
