package websocket

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/imtaco/peer-connect/internal/jsonrpc"
	"github.com/imtaco/peer-connect/internal/log"
)

// Server accepts JSON-RPC websocket connections. Methods are defined on the
// embedded Handler before the server is mounted.
type Server[T any] struct {
	jsonrpc.Handler[T]
	hooks          ConnectionHooks[T]
	allowedOrigins []string
	logger         *log.Logger
}

// NewServer without hooks rejects every connection.
func NewServer[T any](hooks ConnectionHooks[T], allowedOrigins []string, logger *log.Logger) *Server[T] {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if hooks == nil {
		hooks = rejectAll[T]{}
	}
	return &Server[T]{
		Handler:        jsonrpc.NewHandler[T](logger),
		hooks:          hooks,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

func (s *Server[T]) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(log.String("remote_addr", r.RemoteAddr))

	state, ok, err := s.hooks.OnVerify(r)
	switch {
	case err != nil:
		logger.Warn("Connection verification error", log.Error(err))
		http.Error(w, "fail to verify", http.StatusInternalServerError)
		return
	case !ok:
		logger.Info("Connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		logger.Warn("WebSocket upgrade failed", log.Error(err))
		return
	}

	stream := newStream(wsConn, logger)
	conn := s.Handler.NewConn(stream, state)
	logger.Debug("WebSocket connected", log.String("user_agent", r.UserAgent()))

	s.hooks.OnConnect(conn.Context())
	if err := conn.Open(r.Context()); err != nil {
		logger.Info("Connection closed before open", log.Error(err))
		s.hooks.OnDisconnect(conn.Context(), websocket.StatusPolicyViolation)
		return
	}

	<-stream.done()
	s.hooks.OnDisconnect(conn.Context(), stream.status())
}
