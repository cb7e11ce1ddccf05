// Package web exposes the Sign-in-with-Oseh engine over HTTP. Tokens travel
// exclusively in per-kind cookies; every handler pads its latency to a fixed
// boundary and answers errors with a stable {type, message} body.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oseh/siwo"
	"github.com/oseh/siwo/token"
)

// Config wires a [Handler].
type Config struct {
	Engine *siwo.Engine
	// CSRF validates the anti-forgery token on check and update_password, the
	// two routes not already gated by a SIWO cookie.
	CSRF CSRFVerifier
	// PadUnit is the latency rounding boundary. Defaults to 500ms.
	PadUnit      time.Duration
	CookieDomain string
	// CookiePath defaults to "/".
	CookiePath string
	// Insecure drops the Secure cookie attribute for local development.
	Insecure bool
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Handler serves the six SIWO routes.
type Handler struct {
	engine       *siwo.Engine
	csrf         CSRFVerifier
	padUnit      time.Duration
	cookieDomain string
	cookiePath   string
	insecure     bool
	now          func() time.Time
	mux          *http.ServeMux

	// TTLs mirrored from the engine config for cookie lifetimes.
	elevationTTL time.Duration
	loginTTL     time.Duration
	coreTTL      time.Duration
}

// NewHandler validates the configuration and builds the route table.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.CSRF == nil {
		return nil, errors.New("csrf verifier is required")
	}
	if cfg.PadUnit <= 0 {
		cfg.PadUnit = 500 * time.Millisecond
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	engineCfg := cfg.Engine.Config()
	h := &Handler{
		engine:       cfg.Engine,
		csrf:         cfg.CSRF,
		padUnit:      cfg.PadUnit,
		cookieDomain: cfg.CookieDomain,
		cookiePath:   cfg.CookiePath,
		insecure:     cfg.Insecure,
		now:          cfg.Clock,
		mux:          http.NewServeMux(),
		elevationTTL: engineCfg.Tokens.ElevationTTL,
		loginTTL:     engineCfg.Tokens.LoginTTL,
		coreTTL:      engineCfg.Tokens.CoreTTL,
	}

	h.mux.HandleFunc("POST /api/1/oauth/siwo/check", h.padded(h.handleCheck))
	h.mux.HandleFunc("POST /api/1/oauth/siwo/acknowledge", h.padded(h.handleAcknowledge))
	h.mux.HandleFunc("POST /api/1/oauth/siwo/login", h.padded(h.handleLogin))
	h.mux.HandleFunc("POST /api/1/oauth/siwo/create_identity", h.padded(h.handleCreateIdentity))
	h.mux.HandleFunc("POST /api/1/oauth/siwo/reset_password", h.padded(h.handleResetPassword))
	h.mux.HandleFunc("POST /api/1/oauth/siwo/update_password", h.padded(h.handleUpdatePassword))

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) padded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := h.now()
		next(w, r)
		padLatency(r.Context(), started, h.padUnit, h.now)
	}
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, errorBody{Type: errType, Message: message})
}

type checkRequest struct {
	Email             string `json:"email"`
	SecurityCheckCode string `json:"security_check_code,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	RedirectURI       string `json:"redirect_uri,omitempty"`
	CSRF              string `json:"csrf"`
}

type checkResponse struct {
	Exists bool   `json:"exists"`
	Name   string `json:"name,omitempty"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed", "invalid request body")
		return
	}
	if !h.csrf.Verify(req.CSRF, h.now()) {
		h.writeError(w, http.StatusBadRequest, "bad_csrf", "csrf verification failed")
		return
	}

	result, err := h.engine.CheckAccount(r.Context(), siwo.CheckParams{
		Email:       req.Email,
		Code:        req.SecurityCheckCode,
		Visitor:     r.Header.Get("Visitor"),
		RedirectURL: req.RedirectURI,
		ClientID:    req.ClientID,
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	if result.ChallengeRequired {
		h.setTokenCookie(w, token.KindElevation, result.ElevationToken, h.elevationTTL)
		h.writeError(w, http.StatusForbidden, "challenge_required", "complete the emailed security code to continue")
		return
	}

	h.setTokenCookie(w, token.KindLogin, result.LoginToken, h.loginTTL)
	h.writeJSON(w, http.StatusOK, checkResponse{Exists: result.Exists, Name: result.Name})
}

type acknowledgeResponse struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	SendAt int64  `json:"send_at,omitempty"`
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	raw := readTokenCookie(r, token.KindElevation)
	// The token spends whether or not the send goes through.
	h.clearTokenCookie(w, token.KindElevation)

	result, err := h.engine.AcknowledgeElevation(r.Context(), siwo.AcknowledgeParams{
		ElevationToken: raw,
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	resp := acknowledgeResponse{Action: string(result.Action), Reason: result.Reason}
	if !result.SendAt.IsZero() {
		resp.SendAt = result.SendAt.Unix()
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

type passwordRequest struct {
	Password string `json:"password"`
}

type sessionResponse struct {
	EmailVerified bool `json:"email_verified"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed", "invalid request body")
		return
	}

	result, err := h.engine.Login(r.Context(), siwo.LoginParams{
		LoginToken: readTokenCookie(r, token.KindLogin),
		Password:   req.Password,
		Visitor:    r.Header.Get("Visitor"),
	})
	if err != nil {
		// A wrong password leaves the Login token usable for another attempt;
		// every other failure retires it.
		if errors.Is(err, siwo.ErrInvalidCredentials) {
			h.writeError(w, http.StatusConflict, "invalid_credentials", "the password is incorrect")
			return
		}
		if !errors.Is(err, siwo.ErrRateLimited) {
			h.clearTokenCookie(w, token.KindLogin)
		}
		h.writeFlowError(w, err)
		return
	}

	h.clearTokenCookie(w, token.KindLogin)
	h.setTokenCookie(w, token.KindCore, result.CoreToken, h.coreTTL)
	h.writeJSON(w, http.StatusOK, sessionResponse{EmailVerified: result.EmailVerified})
}

func (h *Handler) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed", "invalid request body")
		return
	}

	result, err := h.engine.CreateIdentity(r.Context(), siwo.CreateParams{
		LoginToken: readTokenCookie(r, token.KindLogin),
		Password:   req.Password,
		Visitor:    r.Header.Get("Visitor"),
	})
	if err != nil {
		if !errors.Is(err, siwo.ErrInvalidInput) {
			h.clearTokenCookie(w, token.KindLogin)
		}
		h.writeFlowError(w, err)
		return
	}

	h.clearTokenCookie(w, token.KindLogin)
	h.setTokenCookie(w, token.KindCore, result.CoreToken, h.coreTTL)
	h.writeJSON(w, http.StatusOK, sessionResponse{EmailVerified: result.EmailVerified})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	_, err := h.engine.ResetPassword(r.Context(), siwo.ResetParams{
		LoginToken: readTokenCookie(r, token.KindLogin),
	})
	h.clearTokenCookie(w, token.KindLogin)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	// Suppressed requests answer identically to accepted ones.
	w.WriteHeader(http.StatusAccepted)
}

type updatePasswordRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
	CSRF     string `json:"csrf"`
}

type updatePasswordResponse struct {
	Email string `json:"email"`
}

func (h *Handler) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed", "invalid request body")
		return
	}
	if !h.csrf.Verify(req.CSRF, h.now()) {
		h.writeError(w, http.StatusBadRequest, "bad_csrf", "csrf verification failed")
		return
	}

	result, err := h.engine.UpdatePassword(r.Context(), siwo.UpdateParams{
		Code:     req.Code,
		Password: req.Password,
		Visitor:  r.Header.Get("Visitor"),
	})
	if err != nil {
		if errors.Is(err, siwo.ErrBadResetCode) {
			h.writeError(w, http.StatusForbidden, "bad_code", "the reset code is not valid")
			return
		}
		h.writeFlowError(w, err)
		return
	}

	h.setTokenCookie(w, token.KindLogin, result.LoginToken, h.loginTTL)
	h.writeJSON(w, http.StatusOK, updatePasswordResponse{Email: result.Email})
}

// writeFlowError maps engine failures onto the wire taxonomy. Clients only
// ever see the coarse category; the exact reason stays in the engine's
// counters and audit stream.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error) {
	var tokenErr *token.Error
	if errors.As(err, &tokenErr) {
		if tokenErr.Reason == token.ReasonMissing {
			h.writeError(w, http.StatusUnauthorized, "token_missing", "authentication required")
			return
		}
		h.writeError(w, http.StatusForbidden, "token_invalid", "the token is not valid")
		return
	}

	var rateErr *siwo.RateLimitedError
	if errors.As(err, &rateErr) {
		h.writeJSON(w, http.StatusTooManyRequests, struct {
			Type             string `json:"type"`
			Message          string `json:"message"`
			SecondsRemaining int    `json:"seconds_remaining,omitempty"`
		}{"ratelimited", "too many attempts", rateErr.SecondsRemaining()})
		return
	}

	switch {
	case errors.Is(err, siwo.ErrBadSecurityCode):
		h.writeError(w, http.StatusBadRequest, "bad_security_code", "the security code is not valid")
	case errors.Is(err, siwo.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, "malformed", "invalid request parameters")
	case errors.Is(err, siwo.ErrIntegrity):
		h.writeError(w, http.StatusConflict, "integrity", "the request conflicts with stored state")
	case errors.Is(err, siwo.ErrEmailBackpressure):
		h.writeError(w, http.StatusServiceUnavailable, "backpressure", "try again shortly")
	case errors.Is(err, siwo.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "ratelimited", "too many attempts")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
