package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gochat/pkg/client"
	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	"github.com/NicolasHaas/gochat/pkg/store"
)

var testParams = crypto.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

var testSeed = map[string]string{
	"alice": "secret",
	"bob":   "right",
	"carol": "pw",
}

const recvTimeout = 5 * time.Second

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local) }

func startTestServer(t *testing.T, backend datastore.CredentialStore, tweak func(*Config)) *Server {
	t.Helper()
	if backend == nil {
		backend = datastore.NewMemory()
	}
	st, err := store.Open(backend, store.Options{Params: testParams, Seed: testSeed})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.MetricsLogInterval = 0
	cfg.ShutdownTimeout = 2 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	srv := New(cfg, Dependencies{Store: st, Now: fixedNow})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		_ = st.Close()
	})
	return srv
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()
	c, err := client.Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
	return c
}

// loginAs dials, logs in and waits until the presence list shows the user.
func loginAs(t *testing.T, srv *Server, username, password string) *client.Client {
	t.Helper()
	c := dial(t, srv)
	if _, err := c.Login(username, password); err != nil {
		t.Fatalf("Login %s: %v", username, err)
	}
	waitPresenceIncludes(t, c, username)
	return c
}

func recv(t *testing.T, c *client.Client) *protocol.Packet {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
	p, err := c.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return p
}

// nextOfType skips packets until one of type typ arrives.
func nextOfType(t *testing.T, c *client.Client, typ protocol.Type) *protocol.Packet {
	t.Helper()
	for {
		if p := recv(t, c); p.Type == typ {
			return p
		}
	}
}

// waitPresence skips packets until a presence list equal to want arrives.
func waitPresence(t *testing.T, c *client.Client, want []string) {
	t.Helper()
	for {
		p := nextOfType(t, c, protocol.TypePresence)
		if cmp.Equal(want, p.Users) {
			return
		}
	}
}

func waitPresenceIncludes(t *testing.T, c *client.Client, username string) {
	t.Helper()
	for {
		p := nextOfType(t, c, protocol.TypePresence)
		for _, u := range p.Users {
			if u == username {
				return
			}
		}
	}
}

// expectClosed asserts the server closes the connection.
func expectClosed(t *testing.T, c *client.Client) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
	for {
		p, err := c.Recv()
		if err == nil {
			t.Logf("draining %s packet before close", p.Type)
			continue
		}
		if !errors.Is(err, io.EOF) && !isReset(err) {
			t.Fatalf("expected connection close, got %v", err)
		}
		return
	}
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(recvTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	c := dial(t, srv)

	resp, err := c.Register("dave", "hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if diff := cmp.Diff(protocol.RegisterResult(true, msgRegistered), resp); diff != "" {
		t.Fatalf("register_result (-want +got):\n%s", diff)
	}

	resp, err = c.Login("dave", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !resp.Succeeded() {
		t.Fatalf("login_result = %+v", resp)
	}

	joined := nextOfType(t, c, protocol.TypeSystem)
	if joined.Text != "dave joined the room" {
		t.Fatalf("join notice = %q", joined.Text)
	}
	waitPresence(t, c, []string{"dave"})

	if got := srv.metrics.Registrations.Load(); got != 1 {
		t.Fatalf("Registrations = %d, want 1", got)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	srv := startTestServer(t, nil, nil)

	first := dial(t, srv)
	if _, err := first.Register("erin", "secret"); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	second := dial(t, srv)
	resp, err := second.Register("erin", "other")
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("second Register err = %v, want ErrRejected", err)
	}
	if diff := cmp.Diff(protocol.RegisterResult(false, msgUserExists), resp); diff != "" {
		t.Fatalf("register_result (-want +got):\n%s", diff)
	}
	expectClosed(t, second)
}

func TestRegisterRejections(t *testing.T) {
	tests := map[string]struct {
		username, password string
		message            string
	}{
		"empty username":   {"", "pw", msgMissingCreds},
		"blank username":   {"   ", "pw", msgMissingCreds},
		"empty password":   {"frank", "", msgMissingCreds},
		"invalid username": {"bad name!", "pw", msgInvalidUsername},
		"seeded username":  {"alice", "pw", msgUserExists},
	}

	srv := startTestServer(t, nil, nil)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := dial(t, srv)
			resp, err := c.Register(tc.username, tc.password)
			if !errors.Is(err, client.ErrRejected) {
				t.Fatalf("Register err = %v, want ErrRejected", err)
			}
			if resp.Message != tc.message {
				t.Fatalf("message = %q, want %q", resp.Message, tc.message)
			}
			expectClosed(t, c)
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	c := dial(t, srv)

	resp, err := c.Login("bob", "wrongpass")
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("Login err = %v, want ErrRejected", err)
	}
	if diff := cmp.Diff(protocol.LoginResult(false, msgInvalidCreds), resp); diff != "" {
		t.Fatalf("login_result (-want +got):\n%s", diff)
	}
	expectClosed(t, c)

	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registry has %d sessions after failed login", n)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	c := dial(t, srv)

	resp, err := c.Login("nobody", "pw")
	if !errors.Is(err, client.ErrRejected) || resp.Message != msgInvalidCreds {
		t.Fatalf("Login = %+v, %v", resp, err)
	}
	expectClosed(t, c)
}

func TestFirstFrameMustBeRegisterOrLogin(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	c := dial(t, srv)

	if err := c.Chat("hello?"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	resp := recv(t, c)
	if diff := cmp.Diff(protocol.LoginResult(false, msgMissingLogin), resp); diff != "" {
		t.Fatalf("login_result (-want +got):\n%s", diff)
	}
	expectClosed(t, c)
}

func TestRegisterThenNonLogin(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	c := dial(t, srv)

	if _, err := c.Register("gina", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register("gina2", "pw"); err == nil {
		t.Fatal("second register frame should be rejected as a missing login")
	}
	expectClosed(t, c)
}

func TestDuplicateSessionRejected(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	a := loginAs(t, srv, "alice", "secret")

	b := dial(t, srv)
	resp, err := b.Login("alice", "secret")
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("second Login err = %v, want ErrRejected", err)
	}
	if resp.Message != msgAlreadyLoggedIn {
		t.Fatalf("message = %q, want %q", resp.Message, msgAlreadyLoggedIn)
	}
	expectClosed(t, b)

	// The original session is untouched.
	if err := a.Chat("still here"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	got := nextOfType(t, a, protocol.TypeChat)
	if got.From != "alice" || got.Text != "still here" {
		t.Fatalf("chat = %+v", got)
	}
	if n := srv.Registry().Count(); n != 1 {
		t.Fatalf("registry Count = %d, want 1", n)
	}
}

func TestConcurrentLoginSameUser(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	const n = 8

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	clients := make([]*client.Client, n)
	for i := range clients {
		clients[i] = dial(t, srv)
	}
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			if _, err := c.Login("carol", "pw"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if ok != 1 {
		t.Fatalf("%d logins succeeded, want exactly 1", ok)
	}
	if diff := cmp.Diff([]string{"carol"}, srv.Registry().OnlineUsernames()); diff != "" {
		t.Fatalf("online users (-want +got):\n%s", diff)
	}
}

func TestChatBroadcast(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")
	bob := loginAs(t, srv, "bob", "right")
	waitPresence(t, alice, []string{"alice", "bob"})

	if err := alice.Chat("  hello\nworld  "); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	want := protocol.Chat("alice", "hello world", "12:34:56")
	for name, c := range map[string]*client.Client{"alice": alice, "bob": bob} {
		if diff := cmp.Diff(want, nextOfType(t, c, protocol.TypeChat)); diff != "" {
			t.Errorf("%s chat (-want +got):\n%s", name, diff)
		}
	}
}

func TestEmptyChatIgnored(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")

	if err := alice.Chat("   "); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if err := alice.Chat("marker"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := nextOfType(t, alice, protocol.TypeChat); got.Text != "marker" {
		t.Fatalf("first chat delivered = %q, want marker", got.Text)
	}
}

func TestDirectMessageDelivery(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")
	bob := loginAs(t, srv, "bob", "right")
	carol := loginAs(t, srv, "carol", "pw")
	waitPresence(t, alice, []string{"alice", "bob", "carol"})
	waitPresence(t, bob, []string{"alice", "bob", "carol"})

	if err := alice.DM("bob", "psst"); err != nil {
		t.Fatalf("DM: %v", err)
	}

	want := protocol.DM("alice", "bob", "psst", "12:34:56")
	if diff := cmp.Diff(want, nextOfType(t, bob, protocol.TypeDM)); diff != "" {
		t.Errorf("recipient (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, nextOfType(t, alice, protocol.TypeDM)); diff != "" {
		t.Errorf("sender echo (-want +got):\n%s", diff)
	}

	// A broadcast sent after the DM is the first message carol sees.
	if err := alice.Chat("marker"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	for {
		p := recv(t, carol)
		if p.Type == protocol.TypeDM {
			t.Fatalf("bystander received dm %+v", p)
		}
		if p.Type == protocol.TypeChat {
			break
		}
	}
}

func TestDirectMessageErrors(t *testing.T) {
	tests := map[string]struct {
		to   string
		want string
	}{
		"offline recipient": {to: "ghost", want: "user 'ghost' is not online"},
		"no recipient":      {to: "  ", want: "no recipient selected"},
	}

	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if err := alice.DM(tc.to, "hello"); err != nil {
				t.Fatalf("DM: %v", err)
			}
			p := recv(t, alice)
			if diff := cmp.Diff(protocol.System(tc.want), p); diff != "" {
				t.Fatalf("reply (-want +got):\n%s", diff)
			}
		})
	}
	if n := srv.Registry().Count(); n != 1 {
		t.Fatalf("registry Count = %d, want 1", n)
	}
}

func TestUnsupportedPacketType(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")

	if err := alice.Send(&protocol.Packet{Type: "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(protocol.System("unsupported packet type: ping"), recv(t, alice)); diff != "" {
		t.Fatalf("reply (-want +got):\n%s", diff)
	}

	// The connection survives.
	if err := alice.Chat("ok"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	nextOfType(t, alice, protocol.TypeChat)
}

// rawLogin logs in over a bare TCP socket so the test can write arbitrary bytes.
func rawLogin(t *testing.T, srv *Server, username, password string) (net.Conn, *protocol.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(recvTimeout))

	if err := protocol.WritePacket(conn, protocol.Login(username, password)); err != nil {
		t.Fatalf("write login: %v", err)
	}
	rd := protocol.NewReader(conn, 0)
	p, err := rd.Next()
	if err != nil || !p.Succeeded() {
		t.Fatalf("login = %+v, %v", p, err)
	}
	return conn, rd
}

func nextRaw(t *testing.T, rd *protocol.Reader, typ protocol.Type) *protocol.Packet {
	t.Helper()
	for {
		p, err := rd.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if p.Type == typ {
			return p
		}
	}
}

func TestMalformedLineRecovered(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	conn, rd := rawLogin(t, srv, "alice", "secret")
	nextRaw(t, rd, protocol.TypePresence)

	if _, err := conn.Write([]byte("this is not json\n\n   \n[1,2,3]\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 0; i < 2; i++ {
		p := nextRaw(t, rd, protocol.TypeSystem)
		if p.Text != protocol.MalformedText {
			t.Fatalf("reply %d = %q, want %q", i, p.Text, protocol.MalformedText)
		}
	}

	if err := protocol.WritePacket(conn, protocol.ChatRequest("after")); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	if p := nextRaw(t, rd, protocol.TypeChat); p.Text != "after" {
		t.Fatalf("chat after malformed = %q", p.Text)
	}
	waitFor(t, "malformed counter", func() bool { return srv.metrics.MalformedFrames.Load() == 2 })
}

func TestLineTooLongDisconnects(t *testing.T) {
	srv := startTestServer(t, nil, func(cfg *Config) { cfg.MaxLineBytes = 256 })
	conn, rd := rawLogin(t, srv, "alice", "secret")
	nextRaw(t, rd, protocol.TypePresence)

	huge := protocol.ChatRequest(strings.Repeat("x", 1024))
	if err := protocol.WritePacket(conn, huge); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := nextRaw(t, rd, protocol.TypeSystem); p.Text != "line too long" {
		t.Fatalf("notice = %q", p.Text)
	}
	waitFor(t, "session removal", func() bool { return srv.Registry().Count() == 0 })
}

func TestPresenceOnLeave(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")
	bob := loginAs(t, srv, "bob", "right")
	waitPresence(t, alice, []string{"alice", "bob"})

	if err := bob.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	expectClosed(t, bob)

	left := nextOfType(t, alice, protocol.TypeSystem)
	if left.Text != "bob left the room" {
		t.Fatalf("leave notice = %q", left.Text)
	}
	waitPresence(t, alice, []string{"alice"})
}

func TestAbruptDisconnectFreesUsername(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")
	bob := loginAs(t, srv, "bob", "right")
	waitPresence(t, alice, []string{"alice", "bob"})

	_ = bob.Close()
	waitPresence(t, alice, []string{"alice"})

	// bob can log in again once the old session is gone.
	loginAs(t, srv, "bob", "right")
}

func TestPlaintextCredentialUpgradedOnLogin(t *testing.T) {
	backend := datastore.NewMemoryWith(map[string]string{"legacy": "plainpw"})
	srv := startTestServer(t, backend, nil)

	loginAs(t, srv, "legacy", "plainpw")

	stored := backend.Snapshot()["legacy"]
	if crypto.SchemeOf(stored) != crypto.SchemeArgon2id {
		t.Fatalf("stored credential %q was not upgraded", stored)
	}
	ok, err := crypto.VerifyPassword("plainpw", stored)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword on upgraded hash = %v, %v", ok, err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	srv := startTestServer(t, nil, func(cfg *Config) { cfg.HandshakeTimeout = 100 * time.Millisecond })
	c := dial(t, srv)

	start := time.Now()
	expectClosed(t, c)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("silent peer held for %v", elapsed)
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")
	idle := dial(t, srv) // never authenticates

	srv.Shutdown()
	srv.Shutdown()

	if diff := cmp.Diff(protocol.System("server shutting down"), nextOfType(t, alice, protocol.TypeSystem)); diff != "" {
		t.Fatalf("shutdown notice (-want +got):\n%s", diff)
	}
	expectClosed(t, alice)
	expectClosed(t, idle)

	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registry Count = %d after shutdown", n)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestDeliveryErrorHook(t *testing.T) {
	st, err := store.Open(datastore.NewMemory(), store.Options{Params: testParams, Seed: testSeed})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var (
		mu     sync.Mutex
		failed []string
	)
	srv := New(DefaultConfig(), Dependencies{
		Store: st,
		OnDeliveryError: func(user string, _ error) {
			mu.Lock()
			failed = append(failed, user)
			mu.Unlock()
		},
	})
	t.Cleanup(srv.Shutdown)

	good, _ := newFakeConn()
	bad, raw := newFakeConn()
	raw.writeErr = errors.New("broken pipe")
	_ = srv.registry.Register(good, "alice")
	_ = srv.registry.Register(bad, "bob")

	srv.handleChat("alice", protocol.ChatRequest("hi"))

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"bob"}, failed); diff != "" {
		t.Fatalf("failed deliveries (-want +got):\n%s", diff)
	}
}

func TestSelfDirectMessageDeliveredOnce(t *testing.T) {
	srv := startTestServer(t, nil, nil)
	alice := loginAs(t, srv, "alice", "secret")

	if err := alice.DM("alice", "note to self"); err != nil {
		t.Fatalf("DM: %v", err)
	}
	if err := alice.Chat("marker"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var dms []*protocol.Packet
	for {
		p := recv(t, alice)
		if p.Type == protocol.TypeChat {
			break
		}
		if p.Type == protocol.TypeDM {
			dms = append(dms, p)
		}
	}
	want := []*protocol.Packet{protocol.DM("alice", "alice", "note to self", "12:34:56")}
	if diff := cmp.Diff(want, dms); diff != "" {
		t.Fatalf("self dm deliveries (-want +got):\n%s", diff)
	}
}

func TestHandshakeLineTooLong(t *testing.T) {
	srv := startTestServer(t, nil, func(cfg *Config) { cfg.MaxLineBytes = 256 })

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(recvTimeout))

	if err := protocol.WritePacket(conn, protocol.Login("bob", strings.Repeat("x", 1024))); err != nil {
		t.Fatalf("write login: %v", err)
	}
	rd := protocol.NewReader(conn, 0)
	p, err := rd.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if diff := cmp.Diff(protocol.System(msgLineTooLong), p); diff != "" {
		t.Fatalf("reply (-want +got):\n%s", diff)
	}
	if _, err := rd.Next(); err == nil {
		t.Fatal("connection still open after oversized handshake line")
	}
	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registry Count = %d", n)
	}
}
