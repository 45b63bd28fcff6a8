// Package helix is a thin client for the one-shot Twitch Helix calls the
// application needs: EventSub subscription CRUD and user/channel lookups.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/synthlabs/pepo/internal/metrics"
)

const (
	defaultBaseURL  = "https://api.twitch.tv/helix"
	httpCallTimeout = 10 * time.Second
)

// APIError is a non-2xx response from the Helix API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix returned status %d: %s", e.StatusCode, e.Message)
}

// Client calls the Twitch Helix API. It is stateless; every call takes the
// access token authorizing it, so callers always pass their current snapshot.
type Client struct {
	clientID   string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Helix client for the given application client ID.
func NewClient(clientID string) *Client {
	return NewClientWithBaseURL(clientID, defaultBaseURL)
}

// NewClientWithBaseURL creates a Client against a custom base URL (tests).
func NewClientWithBaseURL(clientID, baseURL string) *Client {
	return &Client{
		clientID:   clientID,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: httpCallTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, accessToken string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.HelixRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

// decodeError drains the body and converts a non-2xx response into an APIError.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var payload struct {
		Message string `json:"message"`
	}
	message := string(raw)
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}

	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// CreateEventSubSubscription registers an EventSub subscription and returns
// the server-issued record. The transport carries the websocket session ID.
func (c *Client) CreateEventSubSubscription(ctx context.Context, accessToken string, req SubscriptionRequest) (*Subscription, error) {
	resp, err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsub subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to create eventsub subscription: %w", decodeError(resp))
	}

	var result struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("subscription response contained no data")
	}

	return &result.Data[0], nil
}

// DeleteEventSubSubscription cancels a subscription by ID. A 404 counts as
// success: the server no longer holds the subscription, which is the state
// the caller is trying to reach.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	query := url.Values{}
	query.Set("id", subscriptionID)

	resp, err := c.do(ctx, http.MethodDelete, "/eventsub/subscriptions", query, nil, accessToken)
	if err != nil {
		return fmt.Errorf("failed to delete eventsub subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete eventsub subscription: %w", decodeError(resp))
	}

	return nil
}

// GetUsers looks up users by login name. An empty logins slice returns the
// user the token belongs to.
func (c *Client) GetUsers(ctx context.Context, accessToken string, logins []string) ([]User, error) {
	query := url.Values{}
	for _, login := range logins {
		query.Add("login", login)
	}

	resp, err := c.do(ctx, http.MethodGet, "/users", query, nil, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get users: %w", decodeError(resp))
	}

	var result struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode users response: %w", err)
	}

	return result.Data, nil
}

// GetFollowedChannels returns the channels the given user follows.
func (c *Client) GetFollowedChannels(ctx context.Context, accessToken, userID string) ([]FollowedChannel, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("first", "100")

	resp, err := c.do(ctx, http.MethodGet, "/channels/followed", query, nil, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get followed channels: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get followed channels: %w", decodeError(resp))
	}

	var result struct {
		Data []FollowedChannel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode followed channels response: %w", err)
	}

	return result.Data, nil
}

// GetChannelInfo returns channel metadata for the given broadcaster IDs.
func (c *Client) GetChannelInfo(ctx context.Context, accessToken string, broadcasterIDs []string) ([]ChannelInfo, error) {
	query := url.Values{}
	for _, id := range broadcasterIDs {
		query.Add("broadcaster_id", id)
	}

	resp, err := c.do(ctx, http.MethodGet, "/channels", query, nil, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get channel info: %w", decodeError(resp))
	}

	var result struct {
		Data []ChannelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode channel info response: %w", err)
	}

	return result.Data, nil
}
