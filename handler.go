package lenny

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/ledger"
	"github.com/lennyproject/lenny/otp"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/server"
	"github.com/lennyproject/lenny/storage"
)

// sessionCookieName is the cookie carrying the signed session token.
const sessionCookieName = "session"

// customSchemePrefix marks redirect URIs that browsers cannot follow with
// a plain 302; those get the HTML success page instead.
const customSchemePrefix = "opds://"

// Handler is the HTTP boundary. It parses and validates requests, runs the
// session and passcode flow, and delegates everything else to the server,
// otp, and ledger services.
type Handler struct {
	server *server.Server
	otp    *otp.Issuer
	ledger *ledger.Service
	items  storage.ItemStore
	signer *security.Signer

	// tokenLimiter throttles the token endpoint per client IP.
	tokenLimiter *security.RateLimiter

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	baseURL         string
}

// NewHandler creates the HTTP handler. baseURL is the externally visible
// base of this service, used for the authentication document and security
// headers.
func NewHandler(srv *server.Server, issuer *otp.Issuer, lgr *ledger.Service, items storage.ItemStore, signer *security.Signer, baseURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:       srv,
		otp:          issuer,
		ledger:       lgr,
		items:        items,
		signer:       signer,
		tokenLimiter: security.NewRateLimiter(security.PerWindow(5, time.Minute), 5, logger),
		logger:       logger,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

// SetTokenRateLimiter replaces the token endpoint limiter.
func (h *Handler) SetTokenRateLimiter(rl *security.RateLimiter) {
	if rl != nil {
		h.tokenLimiter = rl
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
}

// Routes returns the service mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /token", h.ServeToken)
	mux.HandleFunc("GET /auth/document", h.ServeAuthDocument)
	mux.HandleFunc("POST /items/{id}/borrow", h.ServeBorrow)
	mux.HandleFunc("POST /items/{id}/return", h.ServeReturn)
	return mux
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// ============================================================
// /authorize
// ============================================================

// authorizeParams are the query parameters every authorization request
// must carry.
type authorizeParams struct {
	clientID            string
	redirectURI         string
	state               string
	scope               string
	codeChallenge       string
	codeChallengeMethod string
}

// ServeAuthorize handles both halves of the authorization endpoint: the
// OAuth parameter validation, and the passcode login flow for patrons who
// do not hold a session yet.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordRequest(r, "/authorize", start)

	q := r.URL.Query()
	params := authorizeParams{
		clientID:            q.Get("client_id"),
		redirectURI:         q.Get("redirect_uri"),
		state:               q.Get("state"),
		scope:               q.Get("scope"),
		codeChallenge:       q.Get("code_challenge"),
		codeChallengeMethod: q.Get("code_challenge_method"),
	}
	if params.codeChallengeMethod == "" {
		params.codeChallengeMethod = server.PKCEMethodS256
	}

	var missing []string
	if params.clientID == "" {
		missing = append(missing, "client_id")
	}
	if params.redirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if params.state == "" {
		missing = append(missing, "state")
	}
	if params.codeChallenge == "" {
		missing = append(missing, "code_challenge")
	}
	if len(missing) > 0 {
		h.writeMissingParameters(w, missing)
		return
	}

	// RFC 6749 section 3.1.2: the redirect URI must not carry a fragment.
	if strings.Contains(params.redirectURI, "#") {
		h.writeTypedError(w, ErrInvalidRequest("redirect_uri must not contain a fragment"))
		return
	}

	client, err := h.server.ValidateClient(r.Context(), params.clientID, params.redirectURI)
	if err != nil {
		h.writeServerError(w, err)
		return
	}

	clientIP := h.clientIP(r)

	// A valid session completes the authorization immediately. The state
	// parameter is echoed back untouched; per RFC 6749 section 10.12 it is
	// the client's job to validate it.
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if email, err := h.signer.Verify(cookie.Value, clientIP); err == nil {
			h.completeAuthorization(w, r, client, email, clientIP, params)
			return
		}
		// Stale or stolen cookie. Fall through to login.
	}

	if r.Method == http.MethodPost {
		h.serveLoginPost(w, r, client, clientIP, params)
		return
	}

	h.renderLoginForm(w, r, params, loginFormData{})
}

// serveLoginPost processes the passcode login form. Email alone requests a
// passcode; email plus passcode redeems it.
func (h *Handler) serveLoginPost(w http.ResponseWriter, r *http.Request, client *storage.Client, clientIP string, params authorizeParams) {
	if err := r.ParseForm(); err != nil {
		h.writeTypedError(w, ErrInvalidRequest("failed to parse form"))
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	code := strings.TrimSpace(r.PostFormValue("otp"))

	if email == "" {
		h.renderLoginForm(w, r, params, loginFormData{Error: "Email is required."})
		return
	}

	if code == "" {
		// Passcode request.
		if err := h.otp.Issue(r.Context(), email, clientIP); err != nil {
			if errors.Is(err, otp.ErrRateLimited) {
				h.renderLoginForm(w, r, params, loginFormData{
					Email: email,
					Error: "Too many codes requested. Please wait a few minutes and try again.",
				})
				return
			}
			h.logger.Error("passcode issuance failed", "error", err)
			h.renderLoginForm(w, r, params, loginFormData{
				Email: email,
				Error: "Could not send a login code. Please try again later.",
			})
			return
		}
		h.renderRedeemForm(w, r, params, loginFormData{Email: email})
		return
	}

	// Passcode redemption.
	sessionToken, err := h.otp.Authenticate(r.Context(), email, code, clientIP)
	if err != nil {
		if errors.Is(err, otp.ErrRateLimited) {
			h.renderRedeemForm(w, r, params, loginFormData{
				Email: email,
				Error: "Too many attempts. Please wait a minute and try again.",
			})
			return
		}
		h.renderRedeemForm(w, r, params, loginFormData{
			Email: email,
			Error: "Authentication failed. Invalid code.",
		})
		return
	}

	h.setSessionCookie(w, sessionToken)
	h.completeAuthorization(w, r, client, strings.ToLower(email), clientIP, params)
}

// completeAuthorization issues the code and delivers it: a 302 for
// ordinary redirect URIs, the HTML success page for custom schemes.
func (h *Handler) completeAuthorization(w http.ResponseWriter, r *http.Request, client *storage.Client, email, clientIP string, params authorizeParams) {
	code, err := h.server.CreateAuthorizationCode(r.Context(), client, email,
		params.redirectURI, params.scope, params.state,
		params.codeChallenge, params.codeChallengeMethod)
	if err != nil {
		h.writeServerError(w, err)
		return
	}

	// Keep the session fresh across authorizations.
	if token, err := h.signer.Issue(email, clientIP); err == nil {
		h.setSessionCookie(w, token)
	}

	redirect := params.redirectURI + "?" + url.Values{
		"code":  {code},
		"state": {params.state},
	}.Encode()

	if strings.HasPrefix(params.redirectURI, customSchemePrefix) {
		h.renderSuccessPage(w, redirect)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.signer.TTL().Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ============================================================
// /token
// ============================================================

// ServeToken handles the token endpoint: form-encoded grants per RFC 6749
// section 4.1.3 and section 6.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordRequest(r, "/token", start)

	clientIP := h.clientIP(r)
	if !h.tokenLimiter.Allow(clientIP) {
		if h.instrumentation != nil {
			h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "token_endpoint")
		}
		h.writeTypedError(w, ErrRateLimited("Too many token requests. Please try again later."))
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeTypedError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		h.writeTypedError(w, ErrInvalidRequest("client_id is required"))
		return
	}
	client, err := h.server.AuthenticateClient(r.Context(), clientID, r.PostFormValue("client_secret"))
	if err != nil {
		h.writeServerError(w, err)
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		code := r.PostFormValue("code")
		redirectURI := r.PostFormValue("redirect_uri")
		verifier := r.PostFormValue("code_verifier")
		if code == "" || redirectURI == "" || verifier == "" {
			h.writeTypedError(w, ErrInvalidRequest("code, redirect_uri, and code_verifier are required"))
			return
		}
		resp, err := h.server.ExchangeAuthorizationCode(r.Context(), code, client.ClientID, redirectURI, verifier)
		if err != nil {
			h.writeServerError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)

	case "refresh_token":
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.writeTypedError(w, ErrInvalidRequest("refresh_token is required"))
			return
		}
		resp, err := h.server.RefreshAccessToken(r.Context(), refreshToken, client.ClientID)
		if err != nil {
			h.writeServerError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)

	default:
		h.writeTypedError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
}

// ============================================================
// /auth/document
// ============================================================

// ServeAuthDocument serves the OPDS authentication document so reading
// clients can discover the login endpoints.
func (h *Handler) ServeAuthDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordRequest(r, "/auth/document", start)

	doc := AuthenticationDocument{
		ID:          h.baseURL + "/authorize",
		Title:       "Lenny Authentication",
		Description: "Sign in to Lenny",
		Authentication: []AuthFlow{
			{
				Type: "http://opds-spec.org/auth/oauth/implicit",
				Links: []AuthLink{
					{Rel: "authenticate", Href: h.baseURL + "/authorize", Type: "text/html"},
					{Rel: "code", Href: h.baseURL + "/token", Type: "application/json"},
					{Rel: "refresh", Href: h.baseURL + "/token", Type: "application/json"},
				},
			},
		},
	}

	security.SetSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", AuthDocumentMediaType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// ============================================================
// /items/{id}/borrow and /items/{id}/return
// ============================================================

// authenticatePatron resolves the patron email from a bearer access token
// or, failing that, the session cookie.
func (h *Handler) authenticatePatron(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if identity, err := h.server.VerifyAccessToken(parts[1]); err == nil {
				return identity.Email, true
			}
		}
		return "", false
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if email, err := h.signer.Verify(cookie.Value, h.clientIP(r)); err == nil {
			return email, true
		}
	}
	return "", false
}

func (h *Handler) itemFromPath(w http.ResponseWriter, r *http.Request) (*storage.Item, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeTypedError(w, ErrInvalidRequest("invalid item id"))
		return nil, false
	}
	item, err := h.items.GetItem(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrItemNotFound) {
			h.writeTypedError(w, ErrNotFound("item not found"))
		} else {
			h.logger.Error("item lookup failed", "item_id", id, "error", err)
			h.writeTypedError(w, ErrServerError("item lookup failed"))
		}
		return nil, false
	}
	return item, true
}

// ServeBorrow creates a loan for the authenticated patron.
func (h *Handler) ServeBorrow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordRequest(r, "/items/borrow", start)

	email, ok := h.authenticatePatron(r)
	if !ok {
		h.writeUnauthorized(w)
		return
	}
	item, ok := h.itemFromPath(w, r)
	if !ok {
		return
	}

	loan, err := h.ledger.Borrow(r.Context(), item, email)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrLoanNotRequired):
			// Open access: reading needs no loan, so report that rather
			// than failing.
			h.writeJSON(w, http.StatusOK, LoanResponse{
				ItemID:          item.ID,
				LoanRequired:    false,
				AvailableCopies: item.NumLendableTotal,
			})
		case errors.Is(err, ledger.ErrUnavailable):
			h.writeTypedError(w, ErrUnavailable("all copies are checked out"))
		case errors.Is(err, ledger.ErrMissingIdentity):
			h.writeUnauthorized(w)
		default:
			h.logger.Error("borrow failed", "item_id", item.ID, "error", err)
			h.writeTypedError(w, ErrServerError("borrow failed"))
		}
		return
	}

	available, err := h.ledger.Availability(r.Context(), item)
	if err != nil {
		available = 0
	}
	h.writeJSON(w, http.StatusOK, LoanResponse{
		ItemID:          item.ID,
		LoanRequired:    true,
		LoanID:          loan.ID,
		AvailableCopies: available,
	})
}

// ServeReturn closes the patron's active loan.
func (h *Handler) ServeReturn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordRequest(r, "/items/return", start)

	email, ok := h.authenticatePatron(r)
	if !ok {
		h.writeUnauthorized(w)
		return
	}
	item, ok := h.itemFromPath(w, r)
	if !ok {
		return
	}

	if err := h.ledger.Unborrow(r.Context(), item, email); err != nil {
		switch {
		case errors.Is(err, ledger.ErrLoanNotRequired):
			// Open access: nothing was borrowed, so there is nothing to
			// return.
			h.writeJSON(w, http.StatusOK, LoanResponse{
				ItemID:          item.ID,
				LoanRequired:    false,
				AvailableCopies: item.NumLendableTotal,
			})
		case errors.Is(err, ledger.ErrNoActiveLoan):
			h.writeTypedError(w, ErrNotFound("no active loan for this item"))
		case errors.Is(err, ledger.ErrMissingIdentity):
			h.writeUnauthorized(w)
		default:
			h.logger.Error("return failed", "item_id", item.ID, "error", err)
			h.writeTypedError(w, ErrServerError("return failed"))
		}
		return
	}

	available, err := h.ledger.Availability(r.Context(), item)
	if err != nil {
		available = 0
	}
	h.writeJSON(w, http.StatusOK, LoanResponse{
		ItemID:          item.ID,
		LoanRequired:    true,
		Returned:        true,
		AvailableCopies: available,
	})
}

// ============================================================
// Error and response writing
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeTypedError(w http.ResponseWriter, e *Error) {
	security.SetSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

func (h *Handler) writeMissingParameters(w http.ResponseWriter, missing []string) {
	security.SetSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":              ErrorCodeInvalidRequest,
		"error_description":  "Missing required parameters: " + strings.Join(missing, ", "),
		"missing_parameters": missing,
	})
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	security.SetSecurityHeaders(w, h.baseURL)
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             ErrorCodeInvalidRequest,
		"error_description": "authentication required",
	})
}

// writeServerError translates service-layer sentinels into wire errors.
// Anything unrecognized becomes a 500 with no detail leaked.
func (h *Handler) writeServerError(w http.ResponseWriter, err error) {
	var e *Error
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		e = NewError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, server.ErrInvalidRedirectURI):
		e = ErrInvalidRequest("redirect_uri is not registered for this client")
	case errors.Is(err, server.ErrInvalidGrant):
		e = ErrInvalidGrant("The provided grant is invalid, expired, or already used")
	case errors.Is(err, server.ErrPKCERequired):
		e = ErrInvalidRequest("code_challenge is required")
	case errors.Is(err, server.ErrUnsupportedChallengeMethod):
		e = ErrInvalidRequest("only the S256 code_challenge_method is supported")
	default:
		h.logger.Error("internal error", "error", err)
		e = ErrServerError("internal error")
	}
	h.writeTypedError(w, e)
}

func (h *Handler) recordRequest(r *http.Request, endpoint string, start time.Time) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint,
		0, float64(time.Since(start).Milliseconds()))
}

// ============================================================
// Templates
// ============================================================

type loginFormData struct {
	Email string
	Error string
}

type loginPageData struct {
	PostURL string
	Email   string
	Error   string
	Redeem  bool
}

// loginTemplate renders both login steps: the email form, then the
// passcode form once a code has been sent.
const loginTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Sign in to Lenny</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
       background: #f5f2ea; display: flex; align-items: center; justify-content: center;
       min-height: 100vh; margin: 0; color: #2b2b2b; }
.card { background: #fff; border-radius: 12px; padding: 2rem; max-width: 380px; width: 100%;
        box-shadow: 0 2px 12px rgba(0,0,0,0.08); }
h1 { font-size: 1.4rem; margin: 0 0 0.5rem; }
p { color: #666; font-size: 0.95rem; }
label { display: block; font-size: 0.85rem; margin: 1rem 0 0.25rem; }
input { width: 100%; padding: 0.6rem; border: 1px solid #ccc; border-radius: 6px;
        font-size: 1rem; box-sizing: border-box; }
button { margin-top: 1.25rem; width: 100%; padding: 0.7rem; background: #355e3b; color: #fff;
         border: none; border-radius: 6px; font-size: 1rem; cursor: pointer; }
.error { color: #b00020; font-size: 0.9rem; margin-top: 0.75rem; }
</style>
</head>
<body>
<div class="card">
<h1>Sign in to Lenny</h1>
{{if .Redeem}}
<p>We sent a login code to <strong>{{.Email}}</strong>. Enter it below.</p>
<form method="POST" action="{{.PostURL}}">
<input type="hidden" name="email" value="{{.Email}}">
<label for="otp">Login code</label>
<input type="text" id="otp" name="otp" autocomplete="one-time-code" autofocus required>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<button type="submit">Sign in</button>
</form>
{{else}}
<p>Enter your email address and we will send you a login code.</p>
<form method="POST" action="{{.PostURL}}">
<label for="email">Email</label>
<input type="email" id="email" name="email" value="{{.Email}}" autofocus required>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<button type="submit">Send code</button>
</form>
{{end}}
</div>
</body>
</html>`

var loginTmpl = template.Must(template.New("login").Parse(loginTemplate))

// successTemplate is shown after authorization when the redirect URI uses
// a custom scheme the browser may not follow on its own. It attempts the
// redirect from script and keeps a manual link as fallback.
const successTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Authorization Successful</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
       background: #f5f2ea; display: flex; align-items: center; justify-content: center;
       min-height: 100vh; margin: 0; color: #2b2b2b; text-align: center; }
.card { background: #fff; border-radius: 12px; padding: 2rem; max-width: 420px;
        box-shadow: 0 2px 12px rgba(0,0,0,0.08); }
h1 { font-size: 1.4rem; }
p { color: #666; }
a.button { display: inline-block; margin-top: 1rem; padding: 0.7rem 1.6rem; background: #355e3b;
           color: #fff; text-decoration: none; border-radius: 6px; }
.hint { font-size: 0.85rem; color: #999; margin-top: 1rem; }
</style>
</head>
<body>
<div class="card">
<h1>Authorization successful</h1>
<p>You are signed in. Return to your reading app to continue.</p>
<a href="{{.RedirectURL}}" class="button" id="openApp">Open reading app</a>
<p class="hint">You can close this window after the app opens.</p>
</div>
<script>(function(){var btn=document.getElementById("openApp");if(!btn)return;setTimeout(function(){window.location.href=btn.href;},500);})();</script>
</body>
</html>`

var successTmpl = template.Must(template.New("success").Parse(successTemplate))

func (h *Handler) renderLoginForm(w http.ResponseWriter, r *http.Request, params authorizeParams, data loginFormData) {
	h.renderLogin(w, r, params, data, false)
}

func (h *Handler) renderRedeemForm(w http.ResponseWriter, r *http.Request, params authorizeParams, data loginFormData) {
	h.renderLogin(w, r, params, data, true)
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, params authorizeParams, data loginFormData, redeem bool) {
	security.SetHTMLSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	err := loginTmpl.Execute(w, loginPageData{
		PostURL: r.URL.Path + "?" + r.URL.RawQuery,
		Email:   data.Email,
		Error:   data.Error,
		Redeem:  redeem,
	})
	if err != nil {
		h.logger.Error("login template failed", "error", err)
	}
}

func (h *Handler) renderSuccessPage(w http.ResponseWriter, redirectURL string) {
	security.SetHTMLSecurityHeaders(w, h.baseURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	err := successTmpl.Execute(w, struct{ RedirectURL string }{RedirectURL: redirectURL})
	if err != nil {
		h.logger.Error("success template failed", "error", err)
	}
}
