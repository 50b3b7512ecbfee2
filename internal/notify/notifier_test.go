package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifierFilterAndCooldown(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventStrategyFrozen, EventCircuitOpen}, time.Minute, nil)
	clock := time.Unix(0, 0)
	n.SetClock(func() time.Time { return clock })

	require.NoError(t, n.StrategyFrozen(t.Context(), true, "3 mismatching cycles"))
	require.NoError(t, n.StrategyFrozen(t.Context(), false, "operator"))
	assert.Equal(t, []string{"Trading frozen"}, rec.titles, "resume is filtered out")

	require.NoError(t, n.CircuitOpened(t.Context(), domain.VenueBinance, "5 failures"))
	require.NoError(t, n.CircuitOpened(t.Context(), domain.VenueBinance, "again"))
	require.NoError(t, n.CircuitOpened(t.Context(), domain.VenueOKX, "5 failures"))
	assert.Len(t, rec.titles, 3, "second binance alert suppressed")

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, n.CircuitOpened(t.Context(), domain.VenueBinance, "again"))
	assert.Len(t, rec.titles, 4)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, nil)

	err := n.VenueDown(t.Context(), domain.VenueBybit, "disconnected")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.StrategyFrozen(t.Context(), true, "x"))
}

func TestSendersPostJSON(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(t.Context(), "Title", "body"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])

	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(t.Context(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()
	err := NewDiscordSender(srv.URL).Send(t.Context(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
