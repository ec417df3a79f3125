package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signal-autopilot/pkg/models"
)

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func (env *testEnv) slack(t *testing.T, body string, sign func(ts string) string) *httptest.ResponseRecorder {
	t.Helper()
	ts := strconv.FormatInt(env.server.now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSlackTS, ts)
	if sign != nil {
		req.Header.Set(headerSlackSig, sign(ts))
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func signWith(secret, body string) func(string) string {
	return func(ts string) string { return slackSignature(secret, ts, []byte(body)) }
}

func messageEvent(ts, text string) string {
	return channelMessageEvent("C99", ts, text)
}

func channelMessageEvent(channel, ts, text string) string {
	return `{"type": "event_callback", "team_id": "` + testSlackTeam + `", "event_id": "Ev1",
		"event": {"type": "message", "user": "U42", "channel": "` + channel + `", "ts": "` + ts + `", "text": "` + text + `"}}`
}

func TestSlackSignature(t *testing.T) {
	// Example from the Slack request signing documentation.
	body := "token=xyzz0WbapA4vBCDEFasx0q6G&team_id=T1DC2JH3J&team_domain=testteamnow&channel_id=G8PSS9T3V" +
		"&channel_name=foobar&user_id=U2CERLKJA&user_name=roadrunner&command=%2Fwebhook-collect&text=" +
		"&response_url=https%3A%2F%2Fhooks.slack.com%2Fcommands%2FT1DC2JH3J%2F397700885554%2F96rGlfmibIGlgcZRskXaIFfN" +
		"&trigger_id=398738663015.47445629121.803a0bc887a14d10d2c447fce8b6703c"
	got := slackSignature(testSigningSecret, "1531420618", []byte(body))
	assert.Equal(t, "v0=a2114d57b48eac39b9ad189dd8316235a7b4a8d21a10bd27519666489c69b503", got)
}

func TestSlackWebhook_Verification(t *testing.T) {
	env := newTestEnv(t, Options{SlackSigningSecret: testSigningSecret})
	body := `{"type": "url_verification", "challenge": "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`

	t.Run("valid signature answers the challenge", func(t *testing.T) {
		rec := env.slack(t, body, signWith(testSigningSecret, body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"challenge": "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`, rec.Body.String())
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := env.slack(t, body, signWith("not-the-secret", body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		rec := env.slack(t, body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		stale := strconv.FormatInt(env.server.now().Add(-6*time.Minute).Unix(), 10)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
		req.Header.Set(headerSlackTS, stale)
		req.Header.Set(headerSlackSig, slackSignature(testSigningSecret, stale, []byte(body)))
		rec := httptest.NewRecorder()
		env.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSlackWebhook_UnsignedRequiresBypass(t *testing.T) {
	body := `{"type": "url_verification", "challenge": "abc"}`

	strict := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusUnauthorized, strict.slack(t, body, nil).Code)

	dev := newTestEnv(t, Options{AllowUnsigned: true})
	assert.Equal(t, http.StatusOK, dev.slack(t, body, nil).Code)
}

func TestSlackWebhook_Message(t *testing.T) {
	env := newTestEnv(t, Options{SlackSigningSecret: testSigningSecret})
	ctx := context.Background()

	var submitted models.Signal
	env.runner.On("Submit", env.teamID, mock.Anything, false).
		Run(func(args mock.Arguments) { submitted = args.Get(1).(models.Signal) }).
		Return(nil).Once()

	captured := make(chan string, 1)
	env.knowledge.On("Remember", mock.Anything, env.teamID, mock.Anything, mock.MatchedBy(func(md map[string]any) bool {
		return md["source"] == "slack" && md["filename"] == "Slack Stream #C99"
	})).Run(func(args mock.Arguments) { captured <- args.String(2) }).Return("k1", nil).Once()

	body := messageEvent("1700000000.000100", "Payments API returns 500 for every checkout request")
	rec := env.slack(t, body, signWith(testSigningSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decode[webhookAck](t, rec)
	assert.True(t, ack.OK)
	assert.NotEmpty(t, ack.SignalID)

	assert.Equal(t, ack.SignalID, submitted.ID)
	assert.Equal(t, "slack_C99_1700000000.000100", submitted.ExternalID)
	assert.Equal(t, "U42", submitted.Actor)
	assert.Equal(t, "https://slack.com/archives/C99/p1700000000000100", submitted.Metadata["permalink"])
	assert.Equal(t, int64(1700000000), submitted.OccurredAt.Unix())

	require.NoError(t, env.server.Drain(ctx))
	select {
	case content := <-captured:
		assert.Equal(t, "Slack #C99 (U42): Payments API returns 500 for every checkout request", content)
	default:
		t.Fatal("knowledge was not captured")
	}

	stored, err := env.store.GetSignal(ctx, "slack_C99_1700000000.000100")
	require.NoError(t, err)
	assert.Equal(t, ack.SignalID, stored.ID)
	assert.Equal(t, testSlackTeam, stored.Metadata["slack_team_id"])

	t.Run("redelivery is acknowledged without evaluation", func(t *testing.T) {
		rec := env.slack(t, body, signWith(testSigningSecret, body))
		require.Equal(t, http.StatusOK, rec.Code)
		dup := decode[webhookAck](t, rec)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, ack.SignalID, dup.SignalID)
	})

	env.runner.AssertNumberOfCalls(t, "Submit", 1)
	env.knowledge.AssertNumberOfCalls(t, "Remember", 1)
}

func TestSlackWebhook_SameTimestampInOtherChannel(t *testing.T) {
	env := newTestEnv(t, Options{SlackSigningSecret: testSigningSecret})
	env.runner.On("Submit", env.teamID, mock.Anything, false).Return(nil)

	var ids []string
	for _, channel := range []string{"C1", "C2"} {
		body := channelMessageEvent(channel, "1700000000.000100", "deploy ok")
		rec := env.slack(t, body, signWith(testSigningSecret, body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		ack := decode[webhookAck](t, rec)
		assert.False(t, ack.Duplicate, channel)
		ids = append(ids, ack.SignalID)
	}

	assert.NotEqual(t, ids[0], ids[1])
	env.runner.AssertNumberOfCalls(t, "Submit", 2)
	stored, err := env.store.GetSignal(context.Background(), "slack_C2_1700000000.000100")
	require.NoError(t, err)
	assert.Equal(t, ids[1], stored.ID)
}

func TestSlackWebhook_Ignored(t *testing.T) {
	env := newTestEnv(t, Options{AllowUnsigned: true})

	cases := map[string]string{
		"bot message": `{"type": "event_callback", "team_id": "` + testSlackTeam + `",
			"event": {"type": "message", "bot_id": "B1", "channel": "C1", "ts": "1.1", "text": "deploy finished"}}`,
		"edited message": `{"type": "event_callback", "team_id": "` + testSlackTeam + `",
			"event": {"type": "message", "subtype": "message_changed", "channel": "C1", "ts": "1.2", "text": "x"}}`,
		"reaction": `{"type": "event_callback", "team_id": "` + testSlackTeam + `",
			"event": {"type": "reaction_added", "user": "U1"}}`,
		"unknown workspace": `{"type": "event_callback", "team_id": "TUNKNOWN",
			"event": {"type": "message", "user": "U1", "channel": "C1", "ts": "1.3", "text": "hello there"}}`,
		"app rate limited": `{"type": "app_rate_limited"}`,
	}
	for name, body := range cases {
		rec := env.slack(t, body, nil)
		require.Equal(t, http.StatusOK, rec.Code, name)
		assert.NotEmpty(t, decode[webhookAck](t, rec).Ignored, name)
	}

	rec := env.slack(t, `{"type": `, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.runner.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestSlackWebhook_ShortMessageNotCaptured(t *testing.T) {
	env := newTestEnv(t, Options{AllowUnsigned: true})
	env.runner.On("Submit", env.teamID, mock.Anything, false).Return(nil)

	rec := env.slack(t, messageEvent("1700000001.000200", "ok thanks"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, env.server.Drain(context.Background()))

	env.knowledge.AssertNotCalled(t, "Remember", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSlackTime(t *testing.T) {
	assert.True(t, slackTime("").IsZero())
	assert.True(t, slackTime("garbage").IsZero())
	assert.Equal(t, int64(1531420618), slackTime("1531420618.000200").Unix())
}
