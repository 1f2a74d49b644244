// Package transport exposes the hub over WebSocket. Display clients and
// mobile controllers attach on separate endpoints and exchange
// newline-delimited JSON frames.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/registry"
	hberrors "github.com/marqueeworks/marquee-hub/pkg/errors"
	"github.com/marqueeworks/marquee-hub/pkg/hub"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

type ServerParams struct {
	ListenAddress  string
	ClientEndpoint string
	MobileEndpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	// MaxParseErrors is the number of consecutive undecodable frames a
	// connection may send before it is closed.
	MaxParseErrors int

	Registry *registry.Registry
	Hub      *hub.Hub
	Codec    protocol.Codec

	Logger *zap.Logger
}

type Server struct {
	upgrader *websocket.Upgrader

	params   ServerParams
	registry *registry.Registry
	hub      *hub.Hub
	codec    protocol.Codec

	log *zap.Logger
}

// frameRouter is the hub entry point for one endpoint class.
type frameRouter func(connId string, env protocol.Envelope) error

func containsHost(origin string, hosts []string) bool {
	for _, host := range hosts {
		if origin == host {
			return true
		}
	}
	return false
}

func checkOrigin(r *http.Request, params ServerParams) bool {
	origin := r.Header.Get("Origin")
	if containsHost(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return containsHost(origin, params.AllowlistedHosts)
}

func CreateServer(params ServerParams) (*Server, error) {
	if params.Registry == nil || params.Hub == nil {
		return nil, &hberrors.InvalidArgument{
			Context:  "CreateServer",
			Argument: "Registry/Hub",
			Value:    "nil",
		}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.MaxParseErrors <= 0 {
		params.MaxParseErrors = 3
	}

	return &Server{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:   params,
		registry: params.Registry,
		hub:      params.Hub,
		codec:    params.Codec,
		log:      logger.With(zap.String("handler", "WebSocket")),
	}, nil
}

// wsConn adapts a gorilla connection to the registry. Gorilla allows at
// most one concurrent writer, so writes are serialized here.
type wsConn struct {
	mut_write sync.Mutex
	c         *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mut_write.Lock()
	defer w.mut_write.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.c.RemoteAddr().String()
}

func (s *Server) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, route frameRouter) {
	connId := uuid.NewString()
	log := s.log.With(zap.String("connId", connId), zap.String("endpoint", r.URL.Path))

	log.Info("New WebSocket request")
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	if s.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(s.params.MaxReadMessageSize)
	}

	conn := &wsConn{c: c}
	if superseded := s.registry.Register(connId, conn); superseded != nil {
		// Practically unreachable with uuid connection ids.
		superseded.Close()
	}

	defer func() {
		s.registry.Unregister(connId)
		s.hub.HandleConnectionClosed(connId)
		c.Close()
		log.Info("Connection closed")
	}()

	s.readLoop(ctx, log, connId, c, route)
}

func (s *Server) readLoop(ctx context.Context, log *zap.Logger, connId string, c *websocket.Conn, route frameRouter) {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

	parseErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		_, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Received close request, shutting down connection")
				return
			}

			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Received unexpected close from peer", zap.Error(msgErr))
				return
			}

			if strings.Contains(msgErr.Error(), "use of closed network connection") {
				log.Info("Closing connection, probably from hub-initiated 'close' call")
				return
			}

			log.Error("Received unexpected WebSocket error on message read", zap.Error(msgErr))
			return
		}

		env, decodeErr := s.codec.Decode(connId, payload)
		if decodeErr != nil {
			parseErrors++
			log.Warn("Undecodable frame",
				zap.Int("consecutiveParseErrors", parseErrors),
				zap.Error(decodeErr))
			if parseErrors >= s.params.MaxParseErrors {
				log.Warn("Too many consecutive undecodable frames, closing connection")
				return
			}
			continue
		}
		parseErrors = 0

		if handleErr := route(connId, env); handleErr != nil {
			var rejected *hberrors.RegistrationRejected
			if errors.As(handleErr, &rejected) {
				log.Warn("Registration rejected, closing connection",
					zap.String("clientId", rejected.ClientId),
					zap.String("reason", rejected.Reason))
				return
			}
			log.Error("Frame handler failed", zap.String("type", string(env.Type)), zap.Error(handleErr))
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.params.ClientEndpoint, func(w http.ResponseWriter, r *http.Request) {
		s.onWsRequest(ctx, w, r, s.hub.HandleClientFrame)
	})
	mux.HandleFunc(s.params.MobileEndpoint, func(w http.ResponseWriter, r *http.Request) {
		s.onWsRequest(ctx, w, r, s.hub.HandleMobileFrame)
	})

	server := &http.Server{
		Addr:    s.params.ListenAddress,
		Handler: mux,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		s.log.Sugar().Infof("Starting WebSocket server at %s", s.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		s.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		s.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	s.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}
