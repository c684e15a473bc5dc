package controlplane

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is token-based, not origin-based
	},
}

// socket serializes concurrent frame writes on one connection.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) write(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleSocket upgrades the request and runs the command loop until the
// peer goes away. sessionID is empty on the sandbox-level endpoint.
func (s *Server) handleSocket(c *gin.Context, sessionID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sock := &socket{conn: conn}
	ctx := c.Request.Context()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case protocol.TypeCommand:
			s.handleCommand(ctx, sock, sessionID, msg)
		case protocol.TypePing:
			_ = sock.write(&protocol.Message{Type: protocol.TypePong, T: msg.T})
		case protocol.TypeInterventionRequest:
			s.handleIntervention(ctx, sock, sessionID, msg)
		default:
			s.logger.Debug("dropping frame of unknown type", zap.String("type", msg.Type))
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, sock *socket, sessionID string, msg *protocol.Message) {
	result, remoteErr := s.executor.Execute(ctx, sessionID, msg.Method, msg.Params)
	out := &protocol.Message{
		ID:   msg.ID,
		Type: protocol.TypeResult,
	}
	if remoteErr != nil {
		out.Error = remoteErr
	} else {
		out.OK = true
		out.Result = result
	}
	if err := sock.write(out); err != nil {
		s.logger.Debug("result write failed", zap.String("id", msg.ID), zap.Error(err))
	}
}

// handleIntervention runs the server half of the two-phase handshake:
// acknowledge with created, then send completed once the person is done.
func (s *Server) handleIntervention(ctx context.Context, sock *socket, sessionID string, msg *protocol.Message) {
	if s.intervener == nil {
		_ = sock.write(&protocol.Message{
			ID:    msg.ID,
			Type:  protocol.TypeResult,
			Error: &protocol.RemoteError{Code: errs.CodeExecutionError, Message: "interventions not supported"},
		})
		return
	}

	var params protocol.InterventionParams
	if len(msg.Params) > 0 {
		if err := protocol.UnmarshalResult(msg.Params, &params); err != nil {
			s.logger.Debug("bad intervention params", zap.Error(err))
		}
	}

	ticket, err := s.intervener.Open(ctx, sessionID, params)
	if err != nil {
		_ = sock.write(&protocol.Message{
			ID:    msg.ID,
			Type:  protocol.TypeResult,
			Error: &protocol.RemoteError{Code: errs.CodeExecutionError, Message: err.Error()},
		})
		return
	}

	_ = sock.write(&protocol.Message{
		ID:             msg.ID,
		Type:           protocol.TypeInterventionCreated,
		InterventionID: ticket.ID,
		ViewerURL:      ticket.ViewerURL,
	})

	go func() {
		select {
		case <-ticket.Done:
			resolved := ticket.ResolvedAt()
			if resolved.IsZero() {
				resolved = time.Now()
			}
			_ = sock.write(&protocol.Message{
				ID:             msg.ID,
				Type:           protocol.TypeInterventionCompleted,
				InterventionID: ticket.ID,
				ResolvedAt:     resolved.UnixMilli(),
			})
		case <-ctx.Done():
		}
	}()
}
