package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/service"
)

// wsRequest is the single message a client sends after connecting. Request
// holds an OptimizeRequest, IterateRequest or TestRequest, chosen by Flow.
type wsRequest struct {
	Flow    string          `json:"flow"` // optimize, iterate or test
	Request json.RawMessage `json:"request"`
}

// wsFrame is every frame the server pushes.
type wsFrame struct {
	Type    string         `json:"type"` // token, complete or error
	Token   string         `json:"token,omitempty"`
	Chain   *history.Chain `json:"chain,omitempty"`
	Content string         `json:"content,omitempty"`
	Error   *errorEvent    `json:"error,omitempty"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(f wsFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(f); err != nil {
		log.Debug().Err(err).Msg("websocket write")
	}
}

func (c *wsConn) fail(err error) {
	ev := newErrorEvent(err)
	c.send(wsFrame{Type: "error", Error: &ev})
}

// handleWebSocket runs one streamed flow per connection. Closing the socket
// cancels the flow.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn}

	var req wsRequest
	if err := conn.ReadJSON(&req); err != nil {
		c.fail(fmt.Errorf("%w: read request: %w", service.ErrInvalidInput, err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Any further read ends when the client goes away; treat it as cancel.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := s.runWSFlow(ctx, c, req); err != nil {
		log.Debug().Err(err).Msg("websocket flow failed")
	}

	c.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
}

func (s *Server) runWSFlow(ctx context.Context, c *wsConn, req wsRequest) error {
	onToken := func(tok string) { c.send(wsFrame{Type: "token", Token: tok}) }
	onComplete := func(ch *history.Chain) { c.send(wsFrame{Type: "complete", Chain: ch}) }

	unmarshal := func(v any) error {
		if err := json.Unmarshal(req.Request, v); err != nil {
			err = fmt.Errorf("%w: decode request: %w", service.ErrInvalidInput, err)
			c.fail(err)
			return err
		}
		return nil
	}

	switch req.Flow {
	case "optimize":
		var in service.OptimizeRequest
		if err := unmarshal(&in); err != nil {
			return err
		}
		in.ModelKey = s.defaultModel(in.ModelKey)
		return s.Service.OptimizeStream(ctx, in, service.StreamHandlers{OnToken: onToken, OnComplete: onComplete, OnError: c.fail})
	case "iterate":
		var in service.IterateRequest
		if err := unmarshal(&in); err != nil {
			return err
		}
		in.ModelKey = s.defaultModel(in.ModelKey)
		return s.Service.IterateStream(ctx, in, service.StreamHandlers{OnToken: onToken, OnComplete: onComplete, OnError: c.fail})
	case "test":
		var in service.TestRequest
		if err := unmarshal(&in); err != nil {
			return err
		}
		in.ModelKey = s.defaultModel(in.ModelKey)
		return s.Service.TestStream(ctx, in, service.TestHandlers{
			OnToken:    onToken,
			OnComplete: func(content string) { c.send(wsFrame{Type: "complete", Content: content}) },
			OnError:    c.fail,
		})
	default:
		err := fmt.Errorf("%w: unknown flow %q", service.ErrInvalidInput, req.Flow)
		c.fail(err)
		return err
	}
}
