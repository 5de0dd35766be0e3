package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2/google"

	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/contact"
	"github.com/ignite/listfeed/internal/pkg/httpretry"
)

const (
	defaultSheetsBaseURL = "https://sheets.googleapis.com/v4"
	spreadsheetsScope    = "https://www.googleapis.com/auth/spreadsheets"

	// Values are written exactly as given, never parsed into dates or
	// formulas by the sheet.
	valueInputRaw = "RAW"
)

// GoogleStore talks to the Google Sheets values API. All calls address
// one spreadsheet; tables are sheet tabs, constrained to the
// configured column window (A:F by default, the queue's five columns
// plus slack).
type GoogleStore struct {
	baseURL       string
	spreadsheetID string
	columns       string
	httpClient    httpretry.HTTPDoer
}

// NewGoogleStore builds a store authenticated as a service account.
// Credentials come from config: inline JSON or a key file path.
func NewGoogleStore(ctx context.Context, cfg config.SheetsConfig) (*GoogleStore, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("google sheets backend requires spreadsheet_id")
	}

	creds := []byte(cfg.CredentialsJSON)
	if len(creds) == 0 && cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		creds = data
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("google sheets backend requires service account credentials")
	}

	jwtCfg, err := google.JWTConfigFromJSON(creds, spreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}

	columns := cfg.RangeColumns
	if columns == "" {
		columns = "A:F"
	}

	return &GoogleStore{
		baseURL:       defaultSheetsBaseURL,
		spreadsheetID: cfg.SpreadsheetID,
		columns:       columns,
		httpClient:    jwtCfg.Client(ctx),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (g *GoogleStore) SetHTTPClient(client httpretry.HTTPDoer) {
	g.httpClient = client
}

// valueRange is the values API payload for reads and writes.
type valueRange struct {
	Range  string  `json:"range,omitempty"`
	Values [][]any `json:"values,omitempty"`
}

// rangeRef addresses the table's full column window, e.g. "Tab!A1:F".
func (g *GoogleStore) rangeRef(table string) string {
	start, end, found := strings.Cut(g.columns, ":")
	if !found {
		return fmt.Sprintf("%s!A1:F", table)
	}
	return fmt.Sprintf("%s!%s1:%s", table, start, end)
}

func (g *GoogleStore) valuesURL(rangeName, suffix, query string) string {
	u := fmt.Sprintf("%s/spreadsheets/%s/values/%s%s",
		g.baseURL, g.spreadsheetID, url.PathEscape(rangeName), suffix)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (g *GoogleStore) doRequest(ctx context.Context, method, reqURL string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sheets API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Read fetches the table's column window. The first returned row is
// the header row; data rows come back padded to header length.
func (g *GoogleStore) Read(ctx context.Context, table string) ([]string, []contact.Record, error) {
	respBody, err := g.doRequest(ctx, http.MethodGet, g.valuesURL(g.rangeRef(table), "", ""), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", table, err)
	}

	var vr valueRange
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: parse response: %w", table, err)
	}
	if len(vr.Values) == 0 {
		return nil, nil, nil
	}

	headers := cellsToStrings(vr.Values[0])
	records := make([]contact.Record, 0, len(vr.Values)-1)
	for _, row := range vr.Values[1:] {
		records = append(records, contact.NewRecord(headers, cellsToStrings(row)))
	}
	return headers, records, nil
}

// Overwrite clears the table's column window, then writes headers and
// rows back in one update.
func (g *GoogleStore) Overwrite(ctx context.Context, table string, headers []string, rows [][]string) error {
	rangeName := g.rangeRef(table)

	if _, err := g.doRequest(ctx, http.MethodPost, g.valuesURL(rangeName, ":clear", ""), struct{}{}); err != nil {
		return fmt.Errorf("clear sheet %q: %w", table, err)
	}

	values := make([][]any, 0, len(rows)+1)
	values = append(values, stringsToCells(headers))
	for _, row := range rows {
		values = append(values, stringsToCells(row))
	}

	_, err := g.doRequest(ctx, http.MethodPut,
		g.valuesURL(rangeName, "", "valueInputOption="+valueInputRaw),
		valueRange{Values: values})
	if err != nil {
		return fmt.Errorf("write sheet %q: %w", table, err)
	}
	return nil
}

// Append adds rows after the table's existing content.
func (g *GoogleStore) Append(ctx context.Context, table string, rows [][]string) error {
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, stringsToCells(row))
	}

	_, err := g.doRequest(ctx, http.MethodPost,
		g.valuesURL(table+"!A1", ":append", "valueInputOption="+valueInputRaw),
		valueRange{Values: values})
	if err != nil {
		return fmt.Errorf("append to sheet %q: %w", table, err)
	}
	return nil
}

// cellsToStrings flattens API cell values. The API hands back strings
// for text cells but raw numbers for numeric ones.
func cellsToStrings(cells []any) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		if s, ok := c.(string); ok {
			out[i] = s
		} else if c != nil {
			out[i] = fmt.Sprint(c)
		}
	}
	return out
}

func stringsToCells(row []string) []any {
	out := make([]any, len(row))
	for i, s := range row {
		out[i] = s
	}
	return out
}
