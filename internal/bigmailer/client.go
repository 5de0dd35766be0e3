// Package bigmailer is the BigMailer v1 API client: contact upserts
// keyed by email+list, list metadata, and the brand connectivity
// check.
package bigmailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/listfeed/internal/contact"
	"github.com/ignite/listfeed/internal/pkg/httpretry"
)

// DefaultBaseURL is the public BigMailer API endpoint.
const DefaultBaseURL = "https://api.bigmailer.io/v1"

// Config holds BigMailer connection settings.
type Config struct {
	APIKey  string
	BrandID string
	BaseURL string        // defaults to DefaultBaseURL
	Timeout time.Duration // defaults to 30s
	// MaxRetries enables bounded retry on transient failures. The
	// default 0 performs every call exactly once: a failed upsert is
	// recorded on the contact and the queue moves on.
	MaxRetries int
	// Validate asks the API to verify addresses on upsert.
	Validate bool
}

// Client is the BigMailer API client. All calls are scoped to the
// configured brand.
type Client struct {
	baseURL    string
	apiKey     string
	brandID    string
	validate   bool
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new BigMailer API client.
func NewClient(config Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var doer httpretry.HTTPDoer = &http.Client{Timeout: timeout}
	if config.MaxRetries > 0 {
		doer = httpretry.New(doer, httpretry.Policy{MaxRetries: config.MaxRetries})
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		brandID:    config.BrandID,
		validate:   config.Validate,
		httpClient: doer,
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// APIError is a non-2xx BigMailer response. The status and body travel
// with the error so a failed record's status cell records both.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// doRequest performs an authenticated request to the BigMailer API
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// UpsertContact creates or updates a contact and subscribes it to the
// lists in the request. Idempotent by email+list.
func (c *Client) UpsertContact(ctx context.Context, req UpsertContactRequest) (*Contact, error) {
	endpoint := fmt.Sprintf("/brands/%s/contacts/upsert?validate=%t", c.brandID, c.validate)
	respBody, err := c.doRequest(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return nil, err
	}

	var created Contact
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("failed to parse upsert response: %w", err)
	}
	return &created, nil
}

// Upsert is the single-contact, single-list capability the allocator
// drives. Field values come from the record's non-empty attributes;
// unsubscribe_all is always false, this tool only ever adds.
func (c *Client) Upsert(ctx context.Context, email, listID string, attrs []contact.Attribute) error {
	fieldValues := make([]FieldValue, 0, len(attrs))
	for _, a := range attrs {
		fieldValues = append(fieldValues, FieldValue{Name: a.Name, String: a.Value})
	}

	_, err := c.UpsertContact(ctx, UpsertContactRequest{
		Email:          email,
		ListIDs:        []string{listID},
		FieldValues:    fieldValues,
		UnsubscribeAll: false,
	})
	return err
}

// GetLists returns all lists in the brand, following pagination.
func (c *Client) GetLists(ctx context.Context) ([]List, error) {
	var all []List
	offset := 0
	for {
		endpoint := fmt.Sprintf("/brands/%s/lists?limit=100&offset=%d", c.brandID, offset)
		respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var page listsResponse
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("failed to parse lists response: %w", err)
		}
		all = append(all, page.Data...)

		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		offset += len(page.Data)
	}
	return all, nil
}

// GetBrand fetches the configured brand.
func (c *Client) GetBrand(ctx context.Context) (*Brand, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/brands/"+c.brandID, nil)
	if err != nil {
		return nil, err
	}

	var brand Brand
	if err := json.Unmarshal(respBody, &brand); err != nil {
		return nil, fmt.Errorf("failed to parse brand response: %w", err)
	}
	return &brand, nil
}

// Ping verifies the API key and brand are usable. The health endpoint
// uses it as the connectivity check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetBrand(ctx)
	return err
}
