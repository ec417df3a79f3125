package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"signal-autopilot/internal/config"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type contextKey struct{}

var teamIDKey contextKey

// WithTeamID returns a copy of ctx carrying the caller's team id.
func WithTeamID(ctx context.Context, teamID string) context.Context {
	return context.WithValue(ctx, teamIDKey, teamID)
}

// TeamIDFromContext returns the team id set by RequireAuth.
func TeamIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(teamIDKey).(string)
	return id, ok && id != ""
}

// Auth performs OpenID Connect authentication against an Okta issuer and maps
// the caller's email domain to a team.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	teams        repository.TeamStore
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New creates an Auth from the application configuration. Outside the DEV
// bypass it contacts the issuer and prepares the ID and access token verifiers.
func New(ctx context.Context, cfg *config.Config, teams repository.TeamStore, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       AllScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience, not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		teams:        teams,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// Bypassed reports whether authentication is disabled for local development.
func (a *Auth) Bypassed() bool {
	return a.authBypass
}

// LoginHandler starts the authorization code flow. A random state value is
// stored in a cookie and checked on callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies the state parameter, exchanges the code, validates
// the ID token and stores it in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that authenticates the caller with a bearer access
// token or the session cookie, resolves the team from the email domain and
// stores its id in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, status, msg := a.identify(r)
		if status == http.StatusSeeOther {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if status != 0 {
			http.Error(w, msg, status)
			return
		}

		domain, ok := emailDomain(email)
		if !ok {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}

		team, err := a.resolveTeam(r.Context(), domain)
		if err != nil {
			http.Error(w, "failed to provision team", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTeamID(r.Context(), team.ID)))
	})
}

// identify returns the caller's email, or a non-zero status and message.
func (a *Auth) identify(r *http.Request) (string, int, string) {
	if a.authBypass {
		return "dev@localhost", 0, ""
	}

	var token *oidc.IDToken
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		var err error
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return "", http.StatusUnauthorized, "invalid token: " + err.Error()
		}
	} else {
		cookie, err := r.Cookie("id_token")
		if err != nil || a.verifier == nil {
			return "", http.StatusSeeOther, ""
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
		if err != nil {
			return "", http.StatusUnauthorized, "invalid token: " + err.Error()
		}
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", http.StatusUnauthorized, "failed to parse token claims"
	}
	return claims.Email, 0, ""
}

// resolveTeam looks the team up by domain and provisions it on first sight.
func (a *Auth) resolveTeam(ctx context.Context, domain string) (*models.Team, error) {
	team, err := a.teams.GetTeamByDomain(ctx, domain)
	if err == nil {
		return team, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		a.logError("team lookup failed", "domain", domain, "error", err)
		return nil, err
	}

	team = &models.Team{Name: domain, Domain: domain}
	if err := a.teams.CreateTeam(ctx, team); err != nil {
		// A concurrent request may have provisioned it first.
		if errors.Is(err, repository.ErrDuplicate) {
			return a.teams.GetTeamByDomain(ctx, domain)
		}
		a.logError("failed to provision team", "domain", domain, "error", err)
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned team", "domain", domain, "team_id", team.ID)
	}
	return team, nil
}

func (a *Auth) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func emailDomain(email string) (string, bool) {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", false
	}
	return strings.ToLower(domain), true
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
