package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/dispatch"
	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/protocol"
)

const hookVersion = "3.0"

// fakeServer plays the game-server side of the protocol over loopback UDP.
type fakeServer struct {
	t    *testing.T
	conn *net.UDPConn
	gw   *net.UDPAddr
}

func newFakeServer(t *testing.T, gw *Gateway) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeServer{t: t, conn: conn, gw: gw.LocalAddr()}
}

func (f *fakeServer) port() int {
	return f.conn.LocalAddr().(*net.UDPAddr).Port
}

func (f *fakeServer) send(fields map[string]any) {
	f.t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(f.t, err)
	_, err = f.conn.WriteToUDP(data, f.gw)
	require.NoError(f.t, err)
}

// recv returns the next datagram, or nil when none arrives within wait.
func (f *fakeServer) recv(wait time.Duration) map[string]any {
	f.t.Helper()
	buf := make([]byte, readBufferSize)
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(wait)))
	n, _, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		return nil
	}
	var out map[string]any
	require.NoError(f.t, json.Unmarshal(buf[:n], &out))
	return out
}

func (f *fakeServer) register(name, version string) {
	f.send(map[string]any{
		"command":      protocol.CommandRegister,
		"server_name":  name,
		"hook_version": version,
		"host":         "127.0.0.1",
		"port":         f.port(),
		"channels":     map[string]any{"status": "100", "chat": 200},
	})
}

func startGateway(t *testing.T, d *dispatch.Dispatcher, hooks ...Hooks) *Gateway {
	t.Helper()
	g := New(Options{
		ListenAddr:     "127.0.0.1:0",
		HookVersion:    hookVersion,
		RequestTimeout: 2 * time.Second,
		SweepInterval:  20 * time.Millisecond,
	}, d, zap.NewNop())
	if len(hooks) > 0 {
		g.SetHooks(hooks[0])
	}
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func registered(t *testing.T, g *Gateway, f *fakeServer, name string) {
	t.Helper()
	f.register(name, hookVersion)
	require.Eventually(t, func() bool {
		_, ok, err := g.Server(context.Background(), name)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestServerGetStatus(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	type result struct {
		msg protocol.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := g.RequestServer(context.Background(), protocol.New("getStatus", "S1"), time.Second)
		done <- result{msg, err}
	}()

	req := f.recv(time.Second)
	require.NotNil(t, req)
	assert.Equal(t, "getStatus", req["command"])
	assert.Equal(t, "S1", req["server_name"])
	token, _ := req["channel"].(string)
	require.True(t, protocol.IsOpaqueToken(token))

	f.send(map[string]any{"command": "getStatus", "server_name": "S1", "channel": token, "status": "running"})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "running", res.msg.String("status"))

	n, err := g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequestTimeoutLeavesNoPending(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	started := time.Now()
	_, err := g.RequestServer(context.Background(), protocol.New("getStatus", "S1"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnresponsive)
	assert.Less(t, time.Since(started), time.Second)

	n, err := g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnmatchedTokenLeavesOtherRequests(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	results := make(chan protocol.Message, 2)
	for i := 0; i < 2; i++ {
		go func() {
			msg, err := g.RequestServer(context.Background(), protocol.New("getPlayers", "S1"), 2*time.Second)
			if err == nil {
				results <- msg
			}
		}()
	}

	first := f.recv(time.Second)
	second := f.recv(time.Second)
	require.NotNil(t, first)
	require.NotNil(t, second)

	f.send(map[string]any{"command": "getPlayers", "server_name": "S1", "channel": "999999", "players": 0})
	f.send(map[string]any{"command": "getPlayers", "server_name": "S1", "channel": first["channel"], "echo": first["channel"]})

	got := <-results
	assert.Equal(t, got.Channel, got.String("echo"))

	n, err := g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.send(map[string]any{"command": "getPlayers", "server_name": "S1", "channel": second["channel"], "echo": second["channel"]})
	got = <-results
	assert.Equal(t, got.Channel, got.String("echo"))
}

func TestRequestReusesOpaqueToken(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	done := make(chan error, 1)
	go func() {
		msg := protocol.New("getStatus", "S1")
		msg.Channel = "abc-1"
		_, err := g.RequestServer(context.Background(), msg, time.Second)
		done <- err
	}()

	req := f.recv(time.Second)
	require.NotNil(t, req)
	assert.Equal(t, "abc-1", req["channel"])
	f.send(map[string]any{"command": "getStatus", "server_name": "S1", "channel": "abc-1"})
	require.NoError(t, <-done)
}

func TestStaleVersionRegistrationIsRejected(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)

	f.send(map[string]any{
		"command":      protocol.CommandRegister,
		"server_name":  "S1",
		"channel":      protocol.ChannelInline,
		"hook_version": "2.9",
		"host":         "127.0.0.1",
		"port":         f.port(),
	})

	reply := f.recv(time.Second)
	require.NotNil(t, reply)
	assert.Contains(t, reply["error"], "2.9")

	servers, err := g.Servers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestRegistrationRecordsEndpointAndChannels(t *testing.T) {
	var hooked []domain.ManagedServer
	g := startGateway(t, nil, Hooks{
		OnRegister: func(srv domain.ManagedServer) { hooked = append(hooked, srv) },
	})
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	srv, ok, err := g.Server(context.Background(), "S1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.port(), srv.Endpoint.Port)
	assert.Equal(t, domain.ServerStatusUnknown, srv.Status)
	assert.Equal(t, "100", srv.Channels[domain.ChannelStatus])
	assert.Equal(t, "200", srv.Channels[domain.ChannelChat])
	assert.Equal(t, hookVersion, srv.Version)

	var n int
	require.NoError(t, g.loop.Call(context.Background(), func() { n = len(hooked) }))
	assert.Equal(t, 1, n)
}

func TestUnknownServerIsDropped(t *testing.T) {
	d := dispatch.New()
	d.MustRegister("ping", func(context.Context, protocol.Message) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})
	g := startGateway(t, d)
	f := newFakeServer(t, g)

	f.send(map[string]any{"command": "ping", "server_name": "ghost", "channel": "0"})
	assert.Nil(t, f.recv(100*time.Millisecond))

	registered(t, g, f, "S1")
	f.send(map[string]any{"command": "ping", "server_name": "S1", "channel": "0"})
	reply := f.recv(time.Second)
	require.NotNil(t, reply)
	assert.Equal(t, true, reply["pong"])
	assert.Equal(t, "0", reply["channel"])
}

func TestAsyncHandlerReplies(t *testing.T) {
	d := dispatch.New()
	d.MustRegister("slow", func(ctx context.Context, msg protocol.Message) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"done": msg.String("job")}, nil
	}, dispatch.Async())
	g := startGateway(t, d)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	f.send(map[string]any{"command": "slow", "server_name": "S1", "channel": "0", "job": "j1"})
	reply := f.recv(time.Second)
	require.NotNil(t, reply)
	assert.Equal(t, "j1", reply["done"])
}

func TestHandlerErrorIsReplied(t *testing.T) {
	d := dispatch.New()
	d.MustRegister("restart", func(ctx context.Context, msg protocol.Message) (map[string]any, error) {
		return nil, errors.New("mission locked")
	})
	g := startGateway(t, d)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	f.send(map[string]any{"command": "restart", "server_name": "S1", "channel": "0"})
	reply := f.recv(time.Second)
	require.NotNil(t, reply)
	assert.Equal(t, "restart", reply["command"])
	assert.Equal(t, "mission locked", reply["error"])
}

func TestStatusEventsUpdateRegistry(t *testing.T) {
	events := make(chan protocol.Message, 4)
	g := startGateway(t, nil, Hooks{
		OnEvent: func(_ domain.ManagedServer, msg protocol.Message) { events <- msg },
	})
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	f.send(map[string]any{"command": "onMissionLoadEnd", "server_name": "S1", "channel": "-1"})
	select {
	case ev := <-events:
		assert.Equal(t, "onMissionLoadEnd", ev.Command)
	case <-time.After(time.Second):
		t.Fatal("event hook not called")
	}
	srv, _, err := g.Server(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusRunning, srv.Status)

	f.send(map[string]any{"command": protocol.CommandStatus, "server_name": "S1", "status": "paused"})
	<-events
	srv, _, err = g.Server(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusPaused, srv.Status)
}

func TestEventsBypassCorrelation(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	done := make(chan error, 1)
	go func() {
		msg := protocol.New("onPlayerStart", "S1")
		msg.Channel = "42"
		_, err := g.RequestServer(context.Background(), msg, 100*time.Millisecond)
		done <- err
	}()
	require.NotNil(t, f.recv(time.Second))
	f.send(map[string]any{"command": "onPlayerStart", "server_name": "S1", "channel": "42"})

	assert.ErrorIs(t, <-done, ErrUnresponsive)
}

func TestUnregisterRemovesServer(t *testing.T) {
	g := startGateway(t, nil)
	f := newFakeServer(t, g)
	registered(t, g, f, "S1")

	f.send(map[string]any{"command": protocol.CommandUnregister, "server_name": "S1"})
	require.Eventually(t, func() bool {
		servers, err := g.Servers(context.Background())
		return err == nil && len(servers) == 0
	}, time.Second, 5*time.Millisecond)

	err := g.SendToServer(context.Background(), protocol.New("getStatus", "S1"))
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	g := startGateway(t, nil)
	msg := protocol.New("big", "S1")
	msg.Set("blob", string(make([]byte, protocol.MaxDatagramSize)))

	err := g.Send(context.Background(), domain.Endpoint{Host: "127.0.0.1", Port: 9}, msg)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}
