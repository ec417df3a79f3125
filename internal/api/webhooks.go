package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const (
	slackSource         = "slack"
	slackMaxSkew        = 5 * time.Minute
	slackMaxBody        = 1 << 20
	knowledgeMinLength  = 15
	knowledgeTimeout    = 10 * time.Second
	headerSlackSig      = "X-Slack-Signature"
	headerSlackTS       = "X-Slack-Request-Timestamp"
	slackSignatureVer   = "v0"
	slackPermalinkRoot  = "https://slack.com/archives/"
	slackEventCallback  = "event_callback"
	slackURLVerify      = "url_verification"
	slackMessageEvent   = "message"
	slackRetryNumHeader = "X-Slack-Retry-Num"
)

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	TeamID    string     `json:"team_id"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	BotID   string `json:"bot_id"`
	User    string `json:"user"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	Team    string `json:"team"`
}

type webhookAck struct {
	OK        bool   `json:"ok"`
	SignalID  string `json:"signal_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   string `json:"ignored,omitempty"`
}

// SlackWebhook ingests Slack Events API deliveries
// (POST /webhooks/slack)
func (s *Server) SlackWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, slackMaxBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if err := s.verifySlack(c.Request().Header, body); err != nil {
		return err
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event payload")
	}

	switch env.Type {
	case slackURLVerify:
		return c.JSON(http.StatusOK, map[string]string{"challenge": env.Challenge})
	case slackEventCallback:
	default:
		return c.JSON(http.StatusOK, webhookAck{OK: true, Ignored: "event type " + env.Type})
	}

	ev := env.Event
	if ev.Type != slackMessageEvent || ev.Subtype != "" || ev.BotID != "" || strings.TrimSpace(ev.Text) == "" {
		return c.JSON(http.StatusOK, webhookAck{OK: true, Ignored: "not a user message"})
	}

	ctx := c.Request().Context()
	slackTeam := env.TeamID
	if slackTeam == "" {
		slackTeam = ev.Team
	}
	team, err := s.resolveSlackTeam(ctx, slackTeam)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("slack team not linked", "slack_team_id", slackTeam)
		return c.JSON(http.StatusOK, webhookAck{OK: true, Ignored: "unknown team"})
	}
	if err != nil {
		return storeError(err, "team")
	}

	signal := slackSignal(team, slackTeam, ev)
	inserted, err := s.Repo.SaveSignal(ctx, &signal)
	if err != nil {
		s.logger.Error("failed to store slack signal", "team_id", team, "external_id", signal.ExternalID, "error", err)
		return storeError(err, "signal")
	}
	if !inserted {
		s.logger.Info("duplicate slack delivery acknowledged", "team_id", team, "signal_id", signal.ID,
			"retry", c.Request().Header.Get(slackRetryNumHeader))
		return c.JSON(http.StatusOK, webhookAck{OK: true, SignalID: signal.ID, Duplicate: true})
	}

	s.submit(team, signal)
	s.captureKnowledge(ctx, team, ev)
	return c.JSON(http.StatusOK, webhookAck{OK: true, SignalID: signal.ID})
}

// verifySlack checks the v0 request signature and timestamp skew.
func (s *Server) verifySlack(h http.Header, body []byte) error {
	if s.opts.SlackSigningSecret == "" {
		if s.opts.AllowUnsigned {
			s.logger.Warn("slack signing secret not configured, skipping verification")
			return nil
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "webhook verification is not configured")
	}

	ts := h.Get(headerSlackTS)
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid request timestamp")
	}
	if skew := s.now().Sub(time.Unix(sent, 0)); skew > slackMaxSkew || skew < -slackMaxSkew {
		return echo.NewHTTPError(http.StatusUnauthorized, "request timestamp outside the allowed window")
	}

	want := slackSignature(s.opts.SlackSigningSecret, ts, body)
	if !hmac.Equal([]byte(want), []byte(h.Get(headerSlackSig))) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid request signature")
	}
	return nil
}

func slackSignature(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:", slackSignatureVer, ts)
	mac.Write(body)
	return slackSignatureVer + "=" + hex.EncodeToString(mac.Sum(nil))
}

// resolveSlackTeam maps a Slack workspace id to the internal team id.
func (s *Server) resolveSlackTeam(ctx context.Context, slackTeamID string) (string, error) {
	if slackTeamID == "" {
		return "", repository.ErrNotFound
	}
	if id, ok := s.slackTeam.Get(slackTeamID); ok {
		return id, nil
	}
	team, err := s.Repo.GetTeamBySlackID(ctx, slackTeamID)
	if err != nil {
		return "", err
	}
	s.slackTeam.Set(slackTeamID, team.ID)
	return team.ID, nil
}

func slackSignal(teamID, slackTeamID string, ev slackEvent) models.Signal {
	return models.Signal{
		TeamID:     teamID,
		Source:     slackSource,
		ExternalID: "slack_" + ev.Channel + "_" + ev.TS,
		Actor:      ev.User,
		Text:       ev.Text,
		OccurredAt: slackTime(ev.TS),
		Metadata: map[string]any{
			"channel":       ev.Channel,
			"permalink":     slackPermalinkRoot + ev.Channel + "/p" + strings.ReplaceAll(ev.TS, ".", ""),
			"slack_team_id": slackTeamID,
		},
	}
}

// slackTime parses a message timestamp such as "1700000000.000100".
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// submit hands the signal to the runner. A refused submission leaves the
// stored signal for replay.
func (s *Server) submit(teamID string, signal models.Signal) bool {
	if err := s.runner.Submit(teamID, signal, false); err != nil {
		s.logger.Warn("evaluation not scheduled, signal left for replay",
			"team_id", teamID, "signal_id", signal.ID, "error", err)
		return false
	}
	return true
}

// captureKnowledge adds substantive messages to the team knowledge base in
// the background. Failures are logged only.
func (s *Server) captureKnowledge(ctx context.Context, teamID string, ev slackEvent) {
	text := strings.TrimSpace(ev.Text)
	if s.knowledge == nil || utf8.RuneCountInString(text) <= knowledgeMinLength {
		return
	}
	actor := ev.User
	if actor == "" {
		actor = "unknown"
	}
	content := fmt.Sprintf("Slack #%s (%s): %s", ev.Channel, actor, text)
	metadata := map[string]any{
		"source":   slackSource,
		"filename": "Slack Stream #" + ev.Channel,
		"channel":  ev.Channel,
		"ts":       ev.TS,
	}

	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(ctx, knowledgeTimeout)
		defer cancel()
		if _, err := s.knowledge.Remember(ctx, teamID, content, metadata); err != nil {
			s.logger.Warn("knowledge capture failed", "team_id", teamID, "channel", ev.Channel, "error", err)
		}
	}()
}
