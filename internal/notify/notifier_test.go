package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyEventFilters(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventMarketResolved, " "}, quiet())

	require.NoError(t, n.NotifyEvent(context.Background(), domain.MarketEvent{Type: domain.EventMarketCreated, MarketID: "m"}))
	require.NoError(t, n.NotifyEvent(context.Background(), domain.MarketEvent{Type: domain.EventMarketResolved, MarketID: "m", Outcome: domain.OutcomeYes}))
	assert.Equal(t, []string{"Market resolved YES"}, s.titles)
}

func TestNotifyEventKeepsGoingAfterFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.NotifyEvent(context.Background(), domain.MarketEvent{Type: domain.EventMarketFailed, MarketID: "m"})
	assert.ErrorContains(t, err, "bad: boom")
	assert.Len(t, good.titles, 1)
	assert.True(t, n.Enabled())
}

func TestRender(t *testing.T) {
	title, msg := Render(domain.MarketEvent{
		Type:          domain.EventMarketFailed,
		MarketID:      "m-9",
		Stage:         domain.SagaDeploying,
		Reason:        "reverted",
		CorrelationID: "c-1",
	})
	assert.Equal(t, "Market creation failed", title)
	assert.Equal(t, "market: m-9\nstage: DEPLOYING\nreason: reverted\ncorrelation: c-1", msg)
}

func TestTelegramAndDiscordSenders(t *testing.T) {
	var got []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["path"] = r.URL.Path
		got = append(got, body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "T", "body"))

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(context.Background(), "D", "body"))
	assert.ErrorContains(t, NewDiscordSender(srv.URL+"/fail").Send(context.Background(), "D", "x"), "unexpected status 502")

	require.Len(t, got, 3)
	assert.Equal(t, "/botTOKEN/sendMessage", got[0]["path"])
	assert.Equal(t, "42", got[0]["chat_id"])
	assert.Equal(t, "*T*\nbody", got[0]["text"])
	assert.Equal(t, "**D**\nbody", got[1]["content"])
}
