package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	wsTokenEndpoint      = "/0/private/GetWebSocketsToken"
	tokenRefreshBuffer   = 60 * time.Second
	tokenValidityWindow  = 900 * time.Second
	privateBaseURL       = "https://api.kraken.com"
)

// Auth signs Kraken private REST calls with the exchange's HMAC-SHA512
// scheme, and caches the short-lived WebSocket authentication token
// derived from it.
//
// Signing is: SHA256(nonce || postBody), then HMAC-SHA512(uriPath ||
// sha256Digest, base64-decoded secret), then base64-encode the result
// into the API-Sign header. API-Key carries the raw key.
type Auth struct {
	apiKey    string
	secret    []byte // base64-decoded
	client    *resty.Client
	nonce     atomic.Uint64

	tokenMu      sync.Mutex
	wsToken      string
	tokenFetched time.Time
}

// NewAuth constructs an Auth from a raw API key and base64 secret, as
// they appear in Kraken's account API-key management page.
func NewAuth(apiKey, apiSecret string) (*Auth, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}

	a := &Auth{
		apiKey: apiKey,
		secret: secret,
		client: resty.New().SetBaseURL(privateBaseURL).SetTimeout(10 * time.Second),
	}
	a.nonce.Store(uint64(time.Now().UnixMilli()))
	return a, nil
}

// NewPublicOnly returns an Auth with no credentials, suitable only for
// unauthenticated public endpoints. IsConfigured reports false.
func NewPublicOnly() *Auth {
	return &Auth{client: resty.New().SetBaseURL(privateBaseURL).SetTimeout(10 * time.Second)}
}

// IsConfigured reports whether private-endpoint credentials are set.
func (a *Auth) IsConfigured() bool {
	return a.apiKey != "" && len(a.secret) > 0
}

// nextNonce returns a strictly increasing nonce, required by Kraken to
// reject replayed signed requests.
func (a *Auth) nextNonce() uint64 {
	return a.nonce.Add(1)
}

// signRequest implements Kraken's REST signing algorithm: API-Sign =
// base64(HMAC-SHA512(uriPath + SHA256(nonce + postData), secret)).
func (a *Auth) signRequest(uriPath string, nonce uint64, postData string) (string, error) {
	if !a.IsConfigured() {
		return "", fmt.Errorf("exchange: auth not configured")
	}

	nonceStr := strconv.FormatUint(nonce, 10)
	shaSum := sha256.Sum256([]byte(nonceStr + postData))

	mac := hmac.New(sha512.New, a.secret)
	mac.Write([]byte(uriPath))
	mac.Write(shaSum[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// postPrivate signs and sends a private POST request, with the nonce
// already folded into params.
func (a *Auth) postPrivate(ctx context.Context, endpoint string, params url.Values) (*resty.Response, error) {
	if !a.IsConfigured() {
		return nil, fmt.Errorf("exchange: auth not configured")
	}

	nonce := a.nextNonce()
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatUint(nonce, 10))
	body := params.Encode()

	sig, err := a.signRequest(endpoint, nonce, body)
	if err != nil {
		return nil, err
	}

	return a.client.R().
		SetContext(ctx).
		SetHeader("API-Key", a.apiKey).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post(endpoint)
}

type wsTokenResponse struct {
	Error  []string `json:"error"`
	Result struct {
		Token   string  `json:"token"`
		Expires float64 `json:"expires"`
	} `json:"result"`
}

// WSToken returns a valid WebSocket authentication token, fetching and
// caching a fresh one when the cached token is within its refresh
// buffer of expiry.
func (a *Auth) WSToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.wsToken != "" && time.Since(a.tokenFetched) < tokenValidityWindow-tokenRefreshBuffer {
		return a.wsToken, nil
	}

	resp, err := a.postPrivate(ctx, wsTokenEndpoint, url.Values{})
	if err != nil {
		return "", fmt.Errorf("fetch ws token: %w", err)
	}

	var parsed wsTokenResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("parse ws token response: %w", err)
	}
	if len(parsed.Error) > 0 {
		return "", fmt.Errorf("kraken error: %v", parsed.Error)
	}

	a.wsToken = parsed.Result.Token
	a.tokenFetched = time.Now()
	return a.wsToken, nil
}

// RedactedAPIKey returns the API key with all but the first 4 and last
// 4 characters masked, safe to include in logs.
func (a *Auth) RedactedAPIKey() string {
	if len(a.apiKey) <= 8 {
		return "****"
	}
	return a.apiKey[:4] + "..." + a.apiKey[len(a.apiKey)-4:]
}
