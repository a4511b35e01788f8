package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/me/cyclecast/pkg/model"
)

// tokenHeader matches the header the server checks on mutating routes.
const tokenHeader = "X-Cyclecast-Token"

// Client is an HTTP client for the cyclecast API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a cyclecast API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func (c *Client) send(method, path, contentType string, body io.Reader) (int, []byte, error) {
	url := c.BaseURL + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set(tokenHeader, c.Token)
	}

	c.Logger.Debug("HTTP request", "method", method, "url", url)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "bytes", len(respBody))
	return resp.StatusCode, respBody, nil
}

// do performs an HTTP request and returns the parsed envelope.
func (c *Client) do(method, path string, body any) (*apiResponse, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
		c.Logger.Debug("HTTP request body", "body", string(data))
	}

	status, respBody, err := c.send(method, path, contentType, bodyReader)
	if err != nil {
		return nil, err
	}
	return parseEnvelope(status, respBody)
}

func parseEnvelope(status int, body []byte) (*apiResponse, error) {
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", status, err, string(body))
	}
	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}
	return &apiResp, nil
}

// Get performs a GET request.
func (c *Client) Get(path string) (*apiResponse, error) {
	return c.do("GET", path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(path string, body any) (*apiResponse, error) {
	return c.do("POST", path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string) (*apiResponse, error) {
	return c.do("DELETE", path, nil)
}

// GetRaw performs a GET request whose response is not an envelope.
func (c *Client) GetRaw(path string) ([]byte, error) {
	status, body, err := c.send("GET", path, "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if _, err := parseEnvelope(status, body); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected status %d", status)
	}
	return body, nil
}

// PostRaw performs a POST request with a plain-text body.
func (c *Client) PostRaw(path string, data []byte) (*apiResponse, error) {
	status, body, err := c.send("POST", path, "text/plain; charset=utf-8", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return parseEnvelope(status, body)
}
