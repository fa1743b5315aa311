// Package textanalytics is a focused client for the Azure AI Language PII
// entity recognition endpoint.
package textanalytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/integrations/paramstore"
)

const (
	defaultAPIVersion = "2023-04-01"
	defaultLanguage   = "en"
	defaultTimeout    = 10 * time.Second
	maxResponseBytes  = 4 << 20
)

// ErrMalformedResponse marks a 2xx response that could not be understood.
var ErrMalformedResponse = errors.New("textanalytics: malformed response")

type analyzeRequest struct {
	Kind          string        `json:"kind"`
	Parameters    analyzeParams `json:"parameters"`
	AnalysisInput analysisInput `json:"analysisInput"`
}

type analyzeParams struct {
	ModelVersion    string `json:"modelVersion"`
	StringIndexType string `json:"stringIndexType"`
}

type analysisInput struct {
	Documents []inputDocument `json:"documents"`
}

type inputDocument struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type analyzeResponse struct {
	Kind    string `json:"kind"`
	Results struct {
		Documents []struct {
			ID       string           `json:"id"`
			Entities []responseEntity `json:"entities"`
		} `json:"documents"`
		Errors []struct {
			ID    string        `json:"id"`
			Error DocumentError `json:"error"`
		} `json:"errors"`
		ModelVersion string `json:"modelVersion"`
	} `json:"results"`
}

type responseEntity struct {
	Text            string  `json:"text"`
	Category        string  `json:"category"`
	Subcategory     string  `json:"subcategory"`
	Offset          int     `json:"offset"`
	Length          int     `json:"length"`
	ConfidenceScore float64 `json:"confidenceScore"`
}

// DocumentError is a per-document failure reported inside a 2xx response.
type DocumentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("textanalytics: document error %s: %s", e.Code, e.Message)
}

// DocumentResult is the outcome for one input text, in input order.
type DocumentResult struct {
	Entities []domain.DetectedEntity
	Err      *DocumentError
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("textanalytics: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the analyze-text endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiVersion string
	language   string
	getter     paramstore.Getter
	keyRef     string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLanguage(language string) Option {
	return func(c *Client) {
		if l := strings.TrimSpace(language); l != "" {
			c.language = l
		}
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(version); v != "" {
			c.apiVersion = v
		}
	}
}

// WithParamStore lets the key be an "ssm:" reference, fetched on first use.
func WithParamStore(g paramstore.Getter) Option {
	return func(c *Client) {
		c.getter = g
	}
}

// NewClient creates a Client for the given resource endpoint. key is either
// the subscription key or an "ssm:" reference to it.
func NewClient(endpoint, key string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("textanalytics: endpoint must not be empty")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("textanalytics: key must not be empty")
	}
	c := &Client{
		baseURL:    endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiVersion: defaultAPIVersion,
		language:   defaultLanguage,
		keyRef:     key,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey resolves the key and caches it. Failures are not cached, so
// the next call tries again.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := paramstore.Resolve(ctx, c.getter, c.keyRef)
	if err != nil {
		return "", fmt.Errorf("textanalytics: resolve key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func analyzeURL(baseURL, apiVersion string) string {
	return baseURL + "/language/:analyze-text?api-version=" + apiVersion
}

// RecognizePII analyses texts in one call. The returned slice has one
// result per input, in input order. Offsets are converted to byte offsets.
func (c *Client) RecognizePII(ctx context.Context, texts []string) ([]DocumentResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]inputDocument, len(texts))
	for i, t := range texts {
		docs[i] = inputDocument{ID: strconv.Itoa(i), Language: c.language, Text: t}
	}
	body, err := json.Marshal(analyzeRequest{
		Kind:          "PiiEntityRecognition",
		Parameters:    analyzeParams{ModelVersion: "latest", StringIndexType: "UnicodeCodePoint"},
		AnalysisInput: analysisInput{Documents: docs},
	})
	if err != nil {
		return nil, fmt.Errorf("textanalytics: marshal request: %w", err)
	}

	url := analyzeURL(c.baseURL, c.apiVersion)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("textanalytics: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("textanalytics: request failed: %w", err)
	}

	var payload analyzeResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, decErr)
	}
	return buildResults(texts, payload)
}

func buildResults(texts []string, payload analyzeResponse) ([]DocumentResult, error) {
	out := make([]DocumentResult, len(texts))
	seen := make([]bool, len(texts))
	index := func(id string) (int, error) {
		i, err := strconv.Atoi(id)
		if err != nil || i < 0 || i >= len(texts) {
			return 0, fmt.Errorf("%w: unknown document id %q", ErrMalformedResponse, id)
		}
		if seen[i] {
			return 0, fmt.Errorf("%w: duplicate document id %q", ErrMalformedResponse, id)
		}
		seen[i] = true
		return i, nil
	}

	for _, d := range payload.Results.Documents {
		i, err := index(d.ID)
		if err != nil {
			return nil, err
		}
		entities := make([]domain.DetectedEntity, 0, len(d.Entities))
		for _, e := range d.Entities {
			offset, length, ok := codePointSpanToBytes(texts[i], e.Offset, e.Length)
			if !ok {
				return nil, fmt.Errorf("%w: entity span %d+%d outside document %s", ErrMalformedResponse, e.Offset, e.Length, d.ID)
			}
			entities = append(entities, domain.DetectedEntity{
				Category:     e.Category,
				Subcategory:  e.Subcategory,
				Offset:       offset,
				Length:       length,
				Confidence:   e.ConfidenceScore,
				OriginalText: texts[i][offset : offset+length],
			})
		}
		out[i].Entities = entities
	}
	for _, e := range payload.Results.Errors {
		i, err := index(e.ID)
		if err != nil {
			return nil, err
		}
		docErr := e.Error
		out[i].Err = &docErr
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: no result for document %d", ErrMalformedResponse, i)
		}
	}
	return out, nil
}

// codePointSpanToBytes converts a code point offset/length into byte
// positions within text.
func codePointSpanToBytes(text string, offset, length int) (int, int, bool) {
	if offset < 0 || length < 0 {
		return 0, 0, false
	}
	start, end := -1, -1
	cp := 0
	for i := range text {
		if cp == offset {
			start = i
		}
		if cp == offset+length {
			end = i
			break
		}
		cp++
	}
	if start == -1 && cp == offset {
		start = len(text)
	}
	if end == -1 && cp == offset+length {
		end = len(text)
	}
	if start == -1 || end == -1 {
		return 0, 0, false
	}
	return start, end - start, true
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
