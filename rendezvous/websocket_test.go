// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/meshfeed/lib/testutil"
)

// echoTracker answers every announce with a swarm count of 3 and
// records what it received.
func echoTracker(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var message map[string]any
			if err := json.Unmarshal(data, &message); err != nil {
				return
			}
			received <- message
			reply := `{"action":"announce","info_hash":"feed","incomplete":3,"complete":0,"interval":120}`
			if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan map[string]any, 4)
	server := echoTracker(t, received)

	dialer := &WebSocketDialer{URL: wsURL(server)}
	conn, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(context.Background(), keepAlive("alpha")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	message := testutil.RequireReceive(t, received, testTimeout, "announce at tracker")
	if message["action"] != "announce" || message["peer_id"] != "alpha" || message["info_hash"] != "feed" {
		t.Errorf("tracker received %v", message)
	}
	if numwant, ok := message["numwant"].(float64); !ok || numwant != 0 {
		t.Errorf("numwant = %v, want explicit 0", message["numwant"])
	}
	if _, ok := message["offers"]; ok {
		t.Errorf("keep-alive carried offers: %v", message["offers"])
	}

	signal := testutil.RequireReceive(t, conn.Signals(), testTimeout, "tracker reply")
	if signal.Incomplete == nil || *signal.Incomplete != 3 {
		t.Errorf("incomplete = %v, want 3", signal.Incomplete)
	}
	if signal.Interval != 120 {
		t.Errorf("interval = %d, want 120", signal.Interval)
	}
}

func TestWebSocketSignalsCloseWhenServerGoes(t *testing.T) {
	received := make(chan map[string]any, 4)
	server := echoTracker(t, received)

	conn, err := (&WebSocketDialer{URL: wsURL(server)}).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	server.CloseClientConnections()

	testutil.Eventually(t, testTimeout, func() bool { return !conn.Open() }, "connection marked closed")
	for range conn.Signals() {
	}
	if err := conn.Send(context.Background(), keepAlive("alpha")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after close: err = %v, want ErrNotOpen", err)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	dialer := &WebSocketDialer{URL: "ws://127.0.0.1:1/announce"}
	if _, err := dialer.Dial(context.Background()); err == nil {
		t.Fatal("Dial to a closed port succeeded")
	}
}

func TestSignalDecodesTrackerFields(t *testing.T) {
	raw := `{"failure reason":"bad hash","warning message":"slow down","peer_id":"p","offer_id":"o","offer":{"type":"offer","sdp":"x"}}`
	var signal Signal
	if err := json.Unmarshal([]byte(raw), &signal); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if signal.FailureReason != "bad hash" || signal.WarningMessage != "slow down" {
		t.Errorf("failure/warning = %q/%q", signal.FailureReason, signal.WarningMessage)
	}
	if signal.Offer == nil || signal.Offer.SDP != "x" || signal.Incomplete != nil {
		t.Errorf("signal = %+v", signal)
	}
}
