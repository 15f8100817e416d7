// Package main provides a CI-friendly WebSocket smoke test for roomsync.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - join with catch-up
//   - send -> ack
//   - live fanout to a second client
//   - a late joiner receiving the retained window
//   - the HTTP history endpoint honoring the cursor
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"roomsync/clients/go/syncclient"
	v1 "roomsync/shared/contracts/realtime/v1"
)

type historyResponse struct {
	Room     string             `json:"room"`
	Cursor   int64              `json:"cursor"`
	Messages []v1.MessageRecord `json:"messages"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "smoke", "Room to join")
		text    = flag.String("text", "hello roomsync 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	acks := make(chan v1.MessageAckPayload, 8)
	a := mustConnect(root, "A", *wsURL, *origin, log, *timeout, syncclient.WithAckHandler(func(p v1.MessageAckPayload) {
		select {
		case acks <- p:
		default:
		}
	}))
	b := mustConnect(root, "B", *wsURL, *origin, log, *timeout)

	mustJoin(root, a, *room, *timeout)
	mustJoin(root, b, *room, *timeout)

	sendCtx, sendCancel := context.WithTimeout(root, *timeout)
	if err := a.Send(sendCtx, "smoke-A", *text); err != nil {
		fatalf("send: %v", err)
	}
	sendCancel()

	var ack v1.MessageAckPayload
	select {
	case ack = <-acks:
	case <-time.After(*timeout):
		fatalf("timeout waiting for message_ack")
	}
	if ack.ID <= 0 {
		fatalf("ack: expected positive id, got %d", ack.ID)
	}

	mustSee(b, "B", ack.ID, *text, *timeout)

	c := mustConnect(root, "C", *wsURL, *origin, log, *timeout)
	mustJoin(root, c, *room, *timeout)
	mustSee(c, "C", ack.ID, *text, *timeout)

	base := httpBaseURL(*wsURL)
	hist := mustFetchHistory(root, base, *room, 0, *origin, *timeout)
	if !containsID(hist.Messages, ack.ID) {
		fatalf("history: id=%d missing from window", ack.ID)
	}
	after := mustFetchHistory(root, base, *room, hist.Cursor, *origin, *timeout)
	if len(after.Messages) != 0 {
		fatalf("history after cursor=%d: expected empty, got %d", hist.Cursor, len(after.Messages))
	}

	fmt.Printf("OK: A=%s B=%s C=%s room=%s id=%d cursor=%d\n",
		a.SessionID(), b.SessionID(), c.SessionID(), *room, ack.ID, hist.Cursor)
}

func mustConnect(ctx context.Context, name, wsURL, origin string, log *slog.Logger, stepTimeout time.Duration, extra ...syncclient.Option) *syncclient.Client {
	opts := append([]syncclient.Option{
		syncclient.WithOrigin(origin),
		syncclient.WithLogger(log.With("client", name)),
		syncclient.WithErrorHandler(func(p v1.ErrorPayload) {
			fatalf("%s: server error code=%s msg=%s", name, p.Code, p.Message)
		}),
	}, extra...)

	c := syncclient.New(wsURL, opts...)
	go func() { _ = c.Run(ctx) }()

	select {
	case <-c.Connected():
	case <-time.After(stepTimeout):
		fatalf("connect %s: timeout", name)
	}
	if strings.TrimSpace(c.SessionID()) == "" {
		fatalf("connect %s: hello_ack missing session_id", name)
	}
	return c
}

func mustJoin(ctx context.Context, c *syncclient.Client, room string, stepTimeout time.Duration) {
	joinCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	if err := c.JoinRoom(joinCtx, room); err != nil {
		fatalf("join %s: %v", room, err)
	}
	// The subscription is live once our own join announcement comes back.
	waitFor(c, stepTimeout, "join announcement", func(msgs []v1.MessageRecord) bool {
		for _, m := range msgs {
			if m.ID == 0 && strings.Contains(m.Text, c.SessionID()) {
				return true
			}
		}
		return false
	})
}

func mustSee(c *syncclient.Client, name string, id int64, text string, stepTimeout time.Duration) {
	waitFor(c, stepTimeout, fmt.Sprintf("%s to see id=%d", name, id), func(msgs []v1.MessageRecord) bool {
		for _, m := range msgs {
			if m.ID == id {
				if m.Text != text {
					fatalf("%s: text mismatch for id=%d: got=%q want=%q", name, id, m.Text, text)
				}
				return true
			}
		}
		return false
	})
}

func waitFor(c *syncclient.Client, stepTimeout time.Duration, what string, ok func([]v1.MessageRecord) bool) {
	deadline := time.After(stepTimeout)
	for {
		if ok(c.Reconciler().Messages()) {
			return
		}
		select {
		case <-c.Reconciler().Changed():
		case <-deadline:
			fatalf("timeout waiting for %s", what)
		}
	}
}

func mustFetchHistory(ctx context.Context, base, room string, after int64, origin string, stepTimeout time.Duration) historyResponse {
	reqCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/rooms/%s/messages?after=%d", base, url.PathEscape(room), after)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fatalf("history fetch: status=%d", resp.StatusCode)
	}

	var out historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("history decode: %v", err)
	}
	return out
}

func containsID(msgs []v1.MessageRecord, id int64) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
