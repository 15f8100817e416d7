package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"roomsync/clients/go/syncclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A full retained window of maximum-length messages escapes to several MiB of
// JSON; the client must get all of it over one connection.
func TestGatewayClient_FullWindowCatchup(t *testing.T) {
	roomLog := NewInMemoryRoomLog(DefaultHistoryCap)
	text := strings.Repeat("<", maxMessageChars)

	ctx := testCtx(t)
	var first, last int64
	for i := 0; i < DefaultHistoryCap; i++ {
		m, err := roomLog.Append(ctx, Message{Room: "lobby", Author: "seed", Text: text, SentAt: fixedTime})
		require.NoError(t, err)
		if i == 0 {
			first = m.ID
		}
		last = m.ID
	}

	gw, _ := newTestGatewayWithLog(t, roomLog)
	var dials atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		gw.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := syncclient.New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws",
		syncclient.WithOrigin(srv.URL),
		syncclient.WithLogger(discardLogger()),
		syncclient.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	require.NoError(t, c.JoinRoom(context.Background(), "lobby"))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := c.Reconciler()
	require.Eventually(t, func() bool { return rec.Cursor() == last }, 15*time.Second, 10*time.Millisecond)

	var durable []int64
	for _, m := range rec.Messages() {
		if m.ID == 0 {
			continue
		}
		durable = append(durable, m.ID)
		assert.Len(t, m.Text, maxMessageChars)
	}
	require.Len(t, durable, DefaultHistoryCap)
	assert.Equal(t, first, durable[0])
	assert.Equal(t, last, durable[len(durable)-1])
	assert.Equal(t, int32(1), dials.Load(), "catch-up must not force a reconnect")

	// Live traffic continues on the same connection.
	require.NoError(t, c.Send(context.Background(), "bob", "after the window"))
	require.Eventually(t, func() bool { return rec.Cursor() > last }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
}
