package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestICEEndpoint(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:8080/signal":          "http://127.0.0.1:8080/webrtc/ice",
		"wss://relay.example.com/signal?x=1":  "https://relay.example.com/webrtc/ice",
		"wss://relay.example.com:8443/signal": "https://relay.example.com:8443/webrtc/ice",
	}
	for in, want := range cases {
		got, err := iceEndpoint(in)
		if err != nil {
			t.Fatalf("iceEndpoint(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("iceEndpoint(%q)=%q, want %q", in, got, want)
		}
	}
	if _, err := iceEndpoint("http://relay.example.com/signal"); err == nil {
		t.Fatalf("expected error for http scheme")
	}
}

func TestFetchICEServers(t *testing.T) {
	var gotAuth, gotPeer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webrtc/ice" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotPeer = r.URL.Query().Get("peer")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":["turn:turn.example.com:3478"],"username":"1:loopync:alice","credential":"c"}]}`))
	}))
	defer srv.Close()

	signalURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signal"
	servers, err := fetchICEServers(context.Background(), signalURL, "alice", "tok")
	if err != nil {
		t.Fatalf("fetchICEServers: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPeer != "alice" {
		t.Fatalf("auth=%q peer=%q", gotAuth, gotPeer)
	}
	if len(servers) != 1 || servers[0].Username != "1:loopync:alice" {
		t.Fatalf("servers=%#v", servers)
	}
}

func TestFetchICEServers_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	signalURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signal"
	if _, err := fetchICEServers(context.Background(), signalURL, "alice", ""); err == nil {
		t.Fatalf("expected error")
	}
}
