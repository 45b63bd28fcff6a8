package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/synthlabs/pepo/internal/errors"
)

const (
	defaultIDBaseURL = "https://id.twitch.tv/oauth2"
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	httpCallTimeout  = 10 * time.Second
)

// IDClient calls the Twitch OAuth endpoints: device authorization, token
// polling, refresh, and validation.
type IDClient struct {
	clientID   string
	baseURL    string
	httpClient *http.Client
}

// NewIDClient creates an IDClient for the given application client ID.
func NewIDClient(clientID string) *IDClient {
	return NewIDClientWithBaseURL(clientID, defaultIDBaseURL)
}

// NewIDClientWithBaseURL creates an IDClient against a custom base URL (tests).
func NewIDClientWithBaseURL(clientID, baseURL string) *IDClient {
	return &IDClient{
		clientID:   clientID,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: httpCallTimeout},
	}
}

// DeviceAuthorization is the server's answer to a device flow start: the code
// pair, where the user completes sign-in, and how to poll for the result.
type DeviceAuthorization struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresIn       time.Duration
}

// TokenGrant is a successful token response from the OAuth token endpoint.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// ValidationResult describes a token the validation endpoint accepted.
type ValidationResult struct {
	ClientID  string
	Login     string
	UserID    string
	Scopes    []string
	ExpiresIn time.Duration
}

func (c *IDClient) postForm(ctx context.Context, endpoint string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

// StartDeviceAuth requests a device/user code pair for the given scopes.
func (c *IDClient) StartDeviceAuth(ctx context.Context, scopes []string) (*DeviceAuthorization, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("scopes", strings.Join(scopes, " "))

	resp, err := c.postForm(ctx, "/device", data)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("device authorization failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		Interval        int    `json:"interval"`
		ExpiresIn       int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode device authorization response: %w", err)
	}

	return &DeviceAuthorization{
		DeviceCode:      result.DeviceCode,
		UserCode:        result.UserCode,
		VerificationURI: result.VerificationURI,
		Interval:        time.Duration(result.Interval) * time.Second,
		ExpiresIn:       time.Duration(result.ExpiresIn) * time.Second,
	}, nil
}

// PollDeviceToken polls the token endpoint until the user completes the
// verification, the code expires, or ctx is cancelled. The server's interval
// is honoured; a slow_down answer stretches it by five seconds.
func (c *IDClient) PollDeviceToken(ctx context.Context, clock clockwork.Clock, authz *DeviceAuthorization) (*TokenGrant, error) {
	interval := authz.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := clock.Now().Add(authz.ExpiresIn)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device code polling cancelled: %w", ctx.Err())
		case <-clock.After(interval):
		}

		if clock.Now().After(deadline) {
			return nil, apperrors.AuthorizationError("device code expired before the user completed verification", nil)
		}

		grant, oauthErr, err := c.requestDeviceToken(ctx, authz.DeviceCode)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}

		switch oauthErr {
		case "authorization_pending":
			// user has not finished yet, keep polling
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			return nil, apperrors.AuthorizationError("device code expired", nil)
		case "access_denied":
			return nil, apperrors.AuthorizationError("user denied the authorization request", nil)
		default:
			return nil, apperrors.AuthorizationError("device token request rejected", fmt.Errorf("oauth error: %s", oauthErr))
		}
	}
}

// requestDeviceToken performs one poll. Exactly one of grant/oauthErr is set
// on a nil error.
func (c *IDClient) requestDeviceToken(ctx context.Context, deviceCode string) (*TokenGrant, string, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("device_code", deviceCode)
	data.Set("grant_type", deviceGrantType)

	resp, err := c.postForm(ctx, "/token", data)
	if err != nil {
		return nil, "", fmt.Errorf("device token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read device token response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		grant, err := decodeTokenGrant(body)
		if err != nil {
			return nil, "", err
		}
		return grant, "", nil
	}

	var oauthErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil, "", fmt.Errorf("device token poll failed with status %d: %s", resp.StatusCode, string(body))
	}
	// Twitch reports the pending state in the message field.
	if oauthErr.Error == "" {
		oauthErr.Error = normalizeOAuthMessage(oauthErr.Message)
	}
	return nil, oauthErr.Error, nil
}

// normalizeOAuthMessage maps Twitch's human-readable poll messages onto the
// RFC 8628 error codes the poll loop branches on.
func normalizeOAuthMessage(message string) string {
	switch strings.ToLower(message) {
	case "authorization_pending":
		return "authorization_pending"
	case "slow down":
		return "slow_down"
	case "invalid device code":
		return "expired_token"
	default:
		return strings.ToLower(message)
	}
}

// Refresh exchanges the refresh token for a new credential.
func (c *IDClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	resp, err := c.postForm(ctx, "/token", data)
	if err != nil {
		return nil, apperrors.AuthorizationError("token refresh failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.AuthorizationError("failed to read refresh response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.AuthorizationError(
			"token refresh rejected",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		)
	}

	return decodeTokenGrant(body)
}

// Validate asks the platform whether the token is still accepted.
func (c *IDClient) Validate(ctx context.Context, accessToken string) (*ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apperrors.AuthorizationError(
			"token validation rejected",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		)
	}

	var result struct {
		ClientID  string   `json:"client_id"`
		Login     string   `json:"login"`
		UserID    string   `json:"user_id"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode validate response: %w", err)
	}

	return &ValidationResult{
		ClientID:  result.ClientID,
		Login:     result.Login,
		UserID:    result.UserID,
		Scopes:    result.Scopes,
		ExpiresIn: time.Duration(result.ExpiresIn) * time.Second,
	}, nil
}

func decodeTokenGrant(body []byte) (*TokenGrant, error) {
	var result struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	return &TokenGrant{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    time.Duration(result.ExpiresIn) * time.Second,
		Scopes:       result.Scope,
	}, nil
}
