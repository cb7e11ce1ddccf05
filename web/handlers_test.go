package web

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oseh/siwo"
)

type memIdentityStore struct {
	mu            sync.Mutex
	byID          map[string]*siwo.Identity
	resetRequests map[string]siwo.ResetAuditEntry
	nextID        int
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		byID:          make(map[string]*siwo.Identity),
		resetRequests: make(map[string]siwo.ResetAuditEntry),
	}
}

func (s *memIdentityStore) GetByEmail(_ context.Context, email string) (*siwo.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.byID {
		if strings.EqualFold(identity.Email, email) {
			copied := *identity
			return &copied, nil
		}
	}
	return nil, siwo.ErrIdentityNotFound
}

func (s *memIdentityStore) GetByID(_ context.Context, id string) (*siwo.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, siwo.ErrIdentityNotFound
	}
	copied := *identity
	return &copied, nil
}

func (s *memIdentityStore) Create(_ context.Context, params siwo.CreateIdentityParams) (*siwo.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.byID {
		if strings.EqualFold(identity.Email, params.Email) {
			return nil, siwo.ErrIdentityExists
		}
	}
	s.nextID++
	identity := &siwo.Identity{
		ID:              fmt.Sprintf("identity-%03d", s.nextID),
		Email:           params.Email,
		PasswordHash:    params.PasswordHash,
		CreatedAt:       time.Now(),
		EmailVerifiedAt: params.EmailVerifiedAt,
	}
	s.byID[identity.ID] = identity
	copied := *identity
	return &copied, nil
}

func (s *memIdentityStore) UpdatePasswordHash(_ context.Context, identityID, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[identityID]
	if !ok {
		return siwo.ErrIdentityNotFound
	}
	identity.PasswordHash = newHash
	return nil
}

func (s *memIdentityStore) MarkEmailVerified(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[identityID]
	if !ok {
		return siwo.ErrIdentityNotFound
	}
	if identity.EmailVerifiedAt == nil {
		identity.EmailVerifiedAt = &at
	}
	return nil
}

func (s *memIdentityStore) RecordResetRequest(_ context.Context, entry siwo.ResetAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRequests[entry.ID] = entry
	return nil
}

func (s *memIdentityStore) DeleteResetRequest(_ context.Context, auditID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resetRequests, auditID)
	return nil
}

type memEmailQueue struct {
	mu   sync.Mutex
	sent []siwo.Email
}

func (q *memEmailQueue) Enqueue(_ context.Context, email siwo.Email) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, email)
	return nil
}

func (q *memEmailQueue) lastCode(t *testing.T) string {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sent) == 0 {
		t.Fatal("no email was enqueued")
	}
	code := q.sent[len(q.sent)-1].Params["code"]
	if code == "" {
		t.Fatal("enqueued email carries no code")
	}
	return code
}

type handlerEnv struct {
	handler *Handler
	csrf    *HMACCSRFVerifier
	queue   *memEmailQueue
	mr      *miniredis.Miniredis
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := siwo.DefaultConfig()
	cfg.Tokens.PrivateKey = priv
	cfg.Tokens.PublicKey = pub
	cfg.Password = siwo.PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	queue := &memEmailQueue{}
	engine, err := siwo.NewBuilder().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityStore(newMemIdentityStore()).
		WithEmailQueue(queue).
		WithDeterrenceSource(mrand.NewSource(1)).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	csrf := NewHMACCSRFVerifier([]byte("handler-test-secret"))
	handler, err := NewHandler(Config{
		Engine:   engine,
		CSRF:     csrf,
		PadUnit:  time.Millisecond,
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	return &handlerEnv{handler: handler, csrf: csrf, queue: queue, mr: mr}
}

func (env *handlerEnv) mint() string {
	return env.csrf.Mint(time.Now(), time.Hour)
}

func (env *handlerEnv) post(t *testing.T, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/1/oauth/siwo/"+path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

// responseCookie returns the named Set-Cookie from the response, or nil.
func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func requireCookieSet(t *testing.T, w *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	c := responseCookie(w, name)
	if c == nil || c.Value == "" || c.MaxAge <= 0 {
		t.Fatalf("cookie %s not set: %+v", name, c)
	}
	return c
}

func requireCookieCleared(t *testing.T, w *httptest.ResponseRecorder, name string) {
	t.Helper()
	c := responseCookie(w, name)
	if c == nil || c.Value != "" || c.MaxAge >= 0 {
		t.Fatalf("cookie %s not cleared: %+v", name, c)
	}
}

// checkAccount runs a passing check and returns the issued Login cookie.
func (env *handlerEnv) checkAccount(t *testing.T, email string) *http.Cookie {
	t.Helper()

	w := env.post(t, "check", map[string]string{"email": email, "csrf": env.mint()})
	if w.Code != http.StatusOK {
		t.Fatalf("check status = %d, body %s", w.Code, w.Body.String())
	}
	return requireCookieSet(t, w, CookieLogin)
}

// createAccount provisions an identity through the HTTP surface.
func (env *handlerEnv) createAccount(t *testing.T, email, password string) {
	t.Helper()

	login := env.checkAccount(t, email)
	w := env.post(t, "create_identity", map[string]string{"password": password}, login)
	if w.Code != http.StatusOK {
		t.Fatalf("create_identity status = %d, body %s", w.Code, w.Body.String())
	}
	requireCookieSet(t, w, CookieCore)
	requireCookieCleared(t, w, CookieLogin)
}

func TestCheckRejectsBadCSRF(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.post(t, "check", map[string]string{"email": "jane.doe@bigco.example", "csrf": "forged"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "bad_csrf" {
		t.Errorf("type = %v, want bad_csrf", body["type"])
	}
	if responseCookie(w, CookieLogin) != nil {
		t.Error("login cookie set despite csrf failure")
	}
}

func TestCheckRejectsMalformedBody(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/1/oauth/siwo/check", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "malformed" {
		t.Errorf("type = %v, want malformed", body["type"])
	}
}

func TestCheckSetsLoginCookie(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.post(t, "check", map[string]string{"email": "jane.doe@bigco.example", "csrf": env.mint()})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["exists"] != false {
		t.Errorf("exists = %v, want false", body["exists"])
	}

	c := requireCookieSet(t, w, CookieLogin)
	if !c.HttpOnly {
		t.Error("login cookie is not HttpOnly")
	}
	if c.SameSite != http.SameSiteStrictMode {
		t.Errorf("SameSite = %v, want Strict", c.SameSite)
	}
	if c.Secure {
		t.Error("Secure set despite Insecure handler config")
	}
	if want := int(siwo.DefaultConfig().Tokens.LoginTTL / time.Second); c.MaxAge != want {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, want)
	}
}

func TestCheckChallengeSetsElevationCookie(t *testing.T) {
	env := newHandlerEnv(t)

	// A machine-looking address trips the heuristics on the first check.
	w := env.post(t, "check", map[string]string{"email": "x8219471205@bigco.example", "csrf": env.mint()})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "challenge_required" {
		t.Errorf("type = %v, want challenge_required", body["type"])
	}
	requireCookieSet(t, w, CookieElevation)
	if responseCookie(w, CookieLogin) != nil {
		t.Error("login cookie set alongside a challenge")
	}
}

func TestAcknowledgeSpendsElevationCookie(t *testing.T) {
	env := newHandlerEnv(t)

	check := env.post(t, "check", map[string]string{"email": "x8219471205@bigco.example", "csrf": env.mint()})
	elevation := requireCookieSet(t, check, CookieElevation)

	w := env.post(t, "acknowledge", struct{}{}, elevation)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["action"] != "sent" {
		t.Errorf("action = %v, want sent", body["action"])
	}
	requireCookieCleared(t, w, CookieElevation)

	// The token spent with the first acknowledge.
	replay := env.post(t, "acknowledge", struct{}{}, elevation)
	if replay.Code != http.StatusForbidden {
		t.Fatalf("replay status = %d, want 403", replay.Code)
	}
	if body := decodeBody(t, replay); body["type"] != "token_invalid" {
		t.Errorf("replay type = %v, want token_invalid", body["type"])
	}
}

func TestAcknowledgeWithoutCookie(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.post(t, "acknowledge", struct{}{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "token_missing" {
		t.Errorf("type = %v, want token_missing", body["type"])
	}
}

func TestLoginWrongPasswordKeepsCookie(t *testing.T) {
	env := newHandlerEnv(t)
	env.createAccount(t, "jane.doe@bigco.example", "correct horse battery")

	login := env.checkAccount(t, "jane.doe@bigco.example")

	w := env.post(t, "login", map[string]string{"password": "wrong guess"}, login)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "invalid_credentials" {
		t.Errorf("type = %v, want invalid_credentials", body["type"])
	}
	if responseCookie(w, CookieLogin) != nil {
		t.Error("login cookie touched on a wrong password")
	}

	// The same cookie still works with the right password.
	w = env.post(t, "login", map[string]string{"password": "correct horse battery"}, login)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", w.Code, w.Body.String())
	}
	requireCookieSet(t, w, CookieCore)
	requireCookieCleared(t, w, CookieLogin)
}

func TestLoginWithoutCookie(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.post(t, "login", map[string]string{"password": "whatever"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "token_missing" {
		t.Errorf("type = %v, want token_missing", body["type"])
	}
}

func TestLoginCooldownMapsTo429(t *testing.T) {
	env := newHandlerEnv(t)
	env.createAccount(t, "jane.doe@bigco.example", "correct horse battery")

	login := env.checkAccount(t, "jane.doe@bigco.example")
	for i := 0; i < 3; i++ {
		w := env.post(t, "login", map[string]string{"password": fmt.Sprintf("guess-%d", i)}, login)
		if w.Code != http.StatusConflict {
			t.Fatalf("guess %d status = %d, want 409", i, w.Code)
		}
	}

	w := env.post(t, "login", map[string]string{"password": "correct horse battery"}, login)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	body := decodeBody(t, w)
	if body["type"] != "ratelimited" {
		t.Errorf("type = %v, want ratelimited", body["type"])
	}
	if secs, ok := body["seconds_remaining"].(float64); !ok || secs <= 0 {
		t.Errorf("seconds_remaining = %v, want a positive hint", body["seconds_remaining"])
	}
	if responseCookie(w, CookieLogin) != nil {
		t.Error("login cookie cleared while cooling down")
	}
}

func TestResetAndUpdatePassword(t *testing.T) {
	env := newHandlerEnv(t)
	env.createAccount(t, "jane.doe@bigco.example", "old password here")

	login := env.checkAccount(t, "jane.doe@bigco.example")

	w := env.post(t, "reset_password", struct{}{}, login)
	if w.Code != http.StatusAccepted {
		t.Fatalf("reset status = %d, body %s", w.Code, w.Body.String())
	}
	requireCookieCleared(t, w, CookieLogin)

	w = env.post(t, "update_password", map[string]string{
		"code":     env.queue.lastCode(t),
		"password": "brand new password",
		"csrf":     env.mint(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["email"] != "jane.doe@bigco.example" {
		t.Errorf("email = %v, want jane.doe@bigco.example", body["email"])
	}
	fresh := requireCookieSet(t, w, CookieLogin)

	// The update hands back a Login token good for the new password.
	w = env.post(t, "login", map[string]string{"password": "brand new password"}, fresh)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["email_verified"] != true {
		t.Errorf("email_verified = %v, want true", body["email_verified"])
	}
}

func TestUpdatePasswordBadCode(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.post(t, "update_password", map[string]string{
		"code":     "never-issued",
		"password": "brand new password",
		"csrf":     env.mint(),
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != "bad_code" {
		t.Errorf("type = %v, want bad_code", body["type"])
	}
	if responseCookie(w, CookieLogin) != nil {
		t.Error("login cookie set on a rejected code")
	}
}

func TestHMACCSRFVerifier(t *testing.T) {
	v := NewHMACCSRFVerifier([]byte("secret"))
	now := time.Unix(1_700_000_000, 0)

	valid := v.Mint(now, time.Hour)
	if !v.Verify(valid, now) {
		t.Error("freshly minted token rejected")
	}
	if v.Verify(valid, now.Add(2*time.Hour)) {
		t.Error("expired token accepted")
	}
	if v.Verify(valid+"x", now) {
		t.Error("tampered mac accepted")
	}
	if v.Verify("no-separator", now) {
		t.Error("malformed token accepted")
	}
	if NewHMACCSRFVerifier([]byte("other")).Verify(valid, now) {
		t.Error("token accepted under a different secret")
	}
}

func TestPadLatencyRoundsUp(t *testing.T) {
	started := time.Now()
	clock := func() time.Time { return started.Add(7 * time.Millisecond) }

	before := time.Now()
	padLatency(context.Background(), started, 40*time.Millisecond, clock)
	slept := time.Since(before)

	// 7ms elapsed against a 40ms unit leaves a 33ms sleep.
	if slept < 25*time.Millisecond {
		t.Errorf("slept %s, want about 33ms", slept)
	}
}

func TestPadLatencyNoopOnBoundary(t *testing.T) {
	started := time.Now()
	clock := func() time.Time { return started.Add(40 * time.Millisecond) }

	before := time.Now()
	padLatency(context.Background(), started, 40*time.Millisecond, clock)
	if time.Since(before) > 10*time.Millisecond {
		t.Error("padding slept on an exact boundary")
	}
}

func TestPadLatencyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	clock := func() time.Time { return started.Add(time.Millisecond) }

	before := time.Now()
	padLatency(ctx, started, time.Hour, clock)
	if time.Since(before) > 100*time.Millisecond {
		t.Error("padding ignored cancellation")
	}
}
