package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/internal/auth"
	"github.com/marqueeworks/marquee-hub/internal/bridge"
	"github.com/marqueeworks/marquee-hub/internal/content"
	"github.com/marqueeworks/marquee-hub/internal/dispatch"
	"github.com/marqueeworks/marquee-hub/internal/registry"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/hub"
	"github.com/marqueeworks/marquee-hub/pkg/protocol"
)

func TestCheckOrigin(t *testing.T) {
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/display", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	t.Run("DenylistBeatsAllowAll", func(t *testing.T) {
		params := ServerParams{AllowAllHosts: true, DenylistedHosts: []string{"https://evil.example"}}
		assert.False(t, checkOrigin(request("https://evil.example"), params))
		assert.True(t, checkOrigin(request("https://fine.example"), params))
	})

	t.Run("AllowlistOnly", func(t *testing.T) {
		params := ServerParams{AllowlistedHosts: []string{"https://panel.example"}}
		assert.True(t, checkOrigin(request("https://panel.example"), params))
		assert.False(t, checkOrigin(request("https://other.example"), params))
	})
}

type serverFixture struct {
	server   *Server
	sessions *session.Manager
	httpSrv  *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	reg := registry.CreateRegistry(zap.NewNop())
	sessions := session.CreateManager(session.ManagerParams{
		DropConnection: func(connId string) {
			if c := reg.Unregister(connId); c != nil {
				c.Close()
			}
		},
		Logger:         zap.NewNop(),
	})
	dispatcher := dispatch.CreateDispatcher(dispatch.DispatcherParams{
		Registry: reg,
		Sessions: sessions,
		Codec:    protocol.Codec{},
		Logger:   zap.NewNop(),
	})
	t.Cleanup(dispatcher.Close)

	b := bridge.CreateBridge(bridge.BridgeParams{
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Registry:      reg,
		Codec:         protocol.Codec{},
		Authenticator: auth.NewStaticKeyAuthenticator(nil),
		Logger:        zap.NewNop(),
	})
	t.Cleanup(b.Close)

	h := hub.CreateHub(hub.HubParams{
		Registry:   reg,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Bridge:     b,
		Codec:      protocol.Codec{},
		DeviceAuth: auth.NewStaticKeyAuthenticator(nil),
		Content:    content.NewStaticResolver(nil),
		Logger:     zap.NewNop(),
	})

	s, err := CreateServer(ServerParams{
		ListenAddress:  "127.0.0.1:0",
		ClientEndpoint: "/ws/display",
		MobileEndpoint: "/ws/mobile",
		AllowAllHosts:  true,
		MaxParseErrors: 3,
		Registry:       reg,
		Hub:            h,
		Codec:          protocol.Codec{},
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.onWsRequest(ctx, w, r, h.HandleClientFrame)
	}))
	t.Cleanup(httpSrv.Close)

	return &serverFixture{server: s, sessions: sessions, httpSrv: httpSrv}
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.httpSrv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_RegisterRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	c := f.dial(t)

	codec := protocol.Codec{}
	request := protocol.NewEnvelope(&protocol.RegisterPayload{
		ClientId:   "dev-1",
		DeviceInfo: protocol.DeviceInfo{Name: "Lobby"},
	})
	frame, err := codec.Encode(request)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, replyFrame, err := c.ReadMessage()
	require.NoError(t, err)

	reply, err := codec.Decode("test", replyFrame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRegistrationResponse, reply.Type)
	assert.Equal(t, request.Id, reply.Id)
	assert.True(t, reply.Payload.(*protocol.RegistrationResponsePayload).Success)

	s, has := f.sessions.Lookup("dev-1")
	require.True(t, has)
	assert.Equal(t, session.StatusOnline, s.Status)
}

func TestServer_ConsecutiveParseErrorsCloseConnection(t *testing.T) {
	f := newServerFixture(t)
	c := f.dial(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json\n")))
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "server closes after the parse error budget is spent")
}

func TestServer_ReRegisterClosesSupersededSocket(t *testing.T) {
	f := newServerFixture(t)
	codec := protocol.Codec{}

	register := func(c *websocket.Conn) {
		frame, err := codec.Encode(protocol.NewEnvelope(&protocol.RegisterPayload{ClientId: "dev-1"}))
		require.NoError(t, err)
		require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))

		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, replyFrame, err := c.ReadMessage()
		require.NoError(t, err)
		reply, err := codec.Decode("test", replyFrame)
		require.NoError(t, err)
		require.True(t, reply.Payload.(*protocol.RegistrationResponsePayload).Success)
	}

	first := f.dial(t)
	register(first)

	second := f.dial(t)
	register(second)

	// The superseded socket is closed server-side, not just dropped from
	// the registry, so its read returns instead of lingering.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	s, has := f.sessions.Lookup("dev-1")
	require.True(t, has)
	assert.Equal(t, session.StatusOnline, s.Status)
}

func TestServer_DisconnectMarksSessionOffline(t *testing.T) {
	f := newServerFixture(t)
	c := f.dial(t)

	codec := protocol.Codec{}
	frame, err := codec.Encode(protocol.NewEnvelope(&protocol.RegisterPayload{ClientId: "dev-1"}))
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	require.NoError(t, err)

	c.Close()

	require.Eventually(t, func() bool {
		s, has := f.sessions.Lookup("dev-1")
		return has && s.Status == session.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}
