package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/broadcast"
	"github.com/score-integrity/internal/domain"
)

type received struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func newServer(t *testing.T) (*Hub, *broadcast.Memory, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := broadcast.NewMemory(16, logger)
	hub := NewHub(source, logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, source, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until a message of type want arrives
func next(t *testing.T, conn *gorilla.Conn, want string) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func send(t *testing.T, conn *gorilla.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHubRelaysSubscribedTopics(t *testing.T) {
	hub, source, url := newServer(t)
	conn := dial(t, url)
	topic := broadcast.LeaderboardTopic("lvl", domain.PeriodWeekly)

	send(t, conn, ClientMessage{Type: MessageTypeSubscribe, LevelID: "lvl", Period: "weekly"})
	ack := next(t, conn, MessageTypeSubscribed)
	assert.Equal(t, topic, ack.Topic)

	require.Eventually(t, func() bool { return source.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.SubscriberCount(topic))

	delta := domain.LeaderboardDelta{
		LevelID: "lvl",
		Period:  domain.PeriodWeekly,
		Action:  domain.DeltaInserted,
		Updates: []domain.LeaderboardEntry{{ScoreID: "s1", Value: 10, Rank: 1}},
	}
	require.NoError(t, source.Publish(context.Background(), topic, delta))
	// Other periods are not delivered.
	require.NoError(t, source.Publish(context.Background(), broadcast.LeaderboardTopic("lvl", domain.PeriodAllTime), delta))

	msg := next(t, conn, MessageTypeLeaderboardUpdate)
	assert.Equal(t, topic, msg.Topic)
	var got domain.LeaderboardDelta
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, delta.Updates[0].ScoreID, got.Updates[0].ScoreID)
	assert.Equal(t, domain.DeltaInserted, got.Action)
}

func TestHubReleasesTopicWithLastClient(t *testing.T) {
	hub, source, url := newServer(t)
	first := dial(t, url)
	second := dial(t, url)
	topic := broadcast.LeaderboardTopic("lvl", domain.PeriodAllTime)

	for _, conn := range []*gorilla.Conn{first, second} {
		send(t, conn, ClientMessage{Type: MessageTypeSubscribe, LevelID: "lvl"})
		next(t, conn, MessageTypeSubscribed)
	}
	require.Eventually(t, func() bool { return hub.SubscriberCount(topic) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return source.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	send(t, first, ClientMessage{Type: MessageTypeUnsubscribe, LevelID: "lvl"})
	next(t, first, MessageTypeUnsubscribed)
	require.Eventually(t, func() bool { return hub.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, source.Subscribers(topic))

	second.Close()
	require.Eventually(t, func() bool { return source.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.TotalConnections() == 1 }, time.Second, 5*time.Millisecond)
}

func newHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(broadcast.NewMemory(16, logger), logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func detachedClient(hub *Hub, id string) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		logger: hub.logger,
	}
}

func TestHubIgnoresSubscribeAfterUnregister(t *testing.T) {
	hub := newHub(t)
	gone := detachedClient(hub, "gone")
	live := detachedClient(hub, "live")
	topic := broadcast.LeaderboardTopic("lvl", domain.PeriodAllTime)

	hub.Register(gone)
	hub.Register(live)
	hub.Unregister(gone)

	// The reader queued this before noticing the connection dropped.
	hub.Subscribe(gone, topic)
	hub.Subscribe(live, topic)
	require.Eventually(t, func() bool { return hub.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)

	hub.mu.RLock()
	_, subscribed := hub.clients[topic][gone]
	hub.mu.RUnlock()
	assert.False(t, subscribed)

	// Sending to the closed channel of gone would panic the hub.
	hub.broadcast <- &Message{Type: MessageTypeLeaderboardUpdate, Topic: topic}
	select {
	case data := <-live.send:
		assert.Contains(t, string(data), MessageTypeLeaderboardUpdate)
	case <-time.After(2 * time.Second):
		t.Fatal("live client got no update")
	}
	assert.Equal(t, 1, hub.TotalConnections())
}

func TestHubRequestsDoNotBlockAfterStop(t *testing.T) {
	hub := newHub(t)
	client := detachedClient(hub, "c")
	hub.Register(client)
	hub.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*cap(hub.subscribe); i++ {
			hub.Subscribe(client, "topic")
			hub.Unsubscribe(client, "topic")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription requests blocked on a stopped hub")
	}
}

func TestClientErrorsAndPing(t *testing.T) {
	_, _, url := newServer(t)
	conn := dial(t, url)

	send(t, conn, ClientMessage{Type: MessageTypeSubscribe})
	next(t, conn, MessageTypeError)

	send(t, conn, ClientMessage{Type: MessageTypeSubscribe, LevelID: "lvl", Period: "monthly"})
	next(t, conn, MessageTypeError)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{oops")))
	next(t, conn, MessageTypeError)

	send(t, conn, ClientMessage{Type: MessageTypePing})
	next(t, conn, MessageTypePong)
}
