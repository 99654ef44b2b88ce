package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T, headers chan<- http.Header) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if headers != nil {
			headers <- r.Header.Clone()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "bye" {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebsocketDialSendsHandshakeHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := newEchoServer(t, headers)

	hs := Handshake{AccessToken: "tok", ProtocolVersion: "1", DeviceID: "aa:bb", ClientID: "c1"}
	conn, err := WebsocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), wsURL(srv.URL), hs.Header())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	got := <-headers
	if got.Get("Authorization") != "Bearer tok" {
		t.Fatalf("Authorization = %q, want %q", got.Get("Authorization"), "Bearer tok")
	}
	if got.Get("Protocol-Version") != "1" || got.Get("Device-Id") != "aa:bb" || got.Get("Client-Id") != "c1" {
		t.Fatalf("unexpected handshake headers: %v", got)
	}
}

func TestWebsocketRoundTripAndNoData(t *testing.T) {
	srv := newEchoServer(t, nil)
	conn, err := WebsocketDialer{}.Dial(context.Background(), wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Receive(20 * time.Millisecond); !errors.Is(err, ErrNoData) {
		t.Fatalf("Receive() on idle socket error = %v, want ErrNoData", err)
	}

	if err := conn.SendText([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := conn.SendBinary([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendBinary() error = %v", err)
	}

	text := receiveFrame(t, conn)
	if text.Kind != FrameText || string(text.Payload) != `{"type":"ping"}` {
		t.Fatalf("unexpected text frame: %+v", text)
	}
	bin := receiveFrame(t, conn)
	if bin.Kind != FrameBinary || len(bin.Payload) != 4 {
		t.Fatalf("unexpected binary frame: %+v", bin)
	}
	if !conn.Alive() {
		t.Fatalf("Alive() = false on healthy socket")
	}
}

func TestWebsocketPeerCloseMarksDead(t *testing.T) {
	srv := newEchoServer(t, nil)
	conn, err := WebsocketDialer{}.Dial(context.Background(), wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.SendText([]byte("bye")); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := conn.Receive(20 * time.Millisecond)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Receive() after peer close error = %v, want ErrClosed", err)
		}
		if conn.Alive() {
			t.Fatalf("Alive() = true after peer close")
		}
		return
	}
	t.Fatalf("peer close was never observed")
}

func TestWebsocketCloseIsIdempotent(t *testing.T) {
	srv := newEchoServer(t, nil)
	conn, err := WebsocketDialer{}.Dial(context.Background(), wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := conn.SendText([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendText() after Close error = %v, want ErrClosed", err)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	_, err := WebsocketDialer{HandshakeTimeout: 200 * time.Millisecond}.Dial(context.Background(), "ws://127.0.0.1:1/", nil)
	var terr *Error
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("Dial() error = %v, want *Error{Op: dial}", err)
	}
}

func receiveFrame(t *testing.T, conn Conn) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := conn.Receive(50 * time.Millisecond)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		return f
	}
	t.Fatalf("no frame received")
	return Frame{}
}
