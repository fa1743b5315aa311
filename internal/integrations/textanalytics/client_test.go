package textanalytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ", "key")
	require.ErrorContains(t, err, "endpoint must not be empty")

	_, err = NewClient("https://example.cognitiveservices.azure.com", "")
	require.ErrorContains(t, err, "key must not be empty")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("https://example.cognitiveservices.azure.com/", "key")
	require.NoError(t, err)
	require.Equal(t, "https://example.cognitiveservices.azure.com", c.baseURL)
	require.Equal(t, defaultAPIVersion, c.apiVersion)
	require.Equal(t, defaultLanguage, c.language)
}

func TestAnalyzeURL(t *testing.T) {
	require.Equal(t,
		"https://x.example/language/:analyze-text?api-version=2023-04-01",
		analyzeURL("https://x.example", "2023-04-01"))
}

// ---------------------------------------------------------------------------
// resolveAPIKey
// ---------------------------------------------------------------------------

type fakeGetter struct {
	val      string
	err      error
	failures int
	calls    int
}

// GetParameter returns err for the first failures calls, or always when
// failures is zero.
func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return "", f.err
	}
	return f.val, nil
}

func TestResolveAPIKey_SSMRefFetchedOnce(t *testing.T) {
	g := &fakeGetter{val: "secret"}
	c, err := NewClient("https://x.example", "ssm:/pii/key", WithParamStore(g))
	require.NoError(t, err)

	for range 3 {
		key, err := c.resolveAPIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "secret", key)
	}
	require.Equal(t, 1, g.calls)
}

func TestResolveAPIKey_Literal(t *testing.T) {
	c, err := NewClient("https://x.example", "plain-key")
	require.NoError(t, err)
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "plain-key", key)
}

func TestResolveAPIKey_GetterError(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient("https://x.example", "ssm:/pii/key", WithParamStore(g))
	require.NoError(t, err)
	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestResolveAPIKey_RetriesAfterTransientError(t *testing.T) {
	g := &fakeGetter{val: "secret", err: errors.New("throttled"), failures: 1}
	c, err := NewClient("https://x.example", "ssm:/pii/key", WithParamStore(g))
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "throttled")

	for range 2 {
		key, err := c.resolveAPIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "secret", key)
	}
	require.Equal(t, 2, g.calls, "success is cached, failure is not")
}

// ---------------------------------------------------------------------------
// codePointSpanToBytes
// ---------------------------------------------------------------------------

func TestCodePointSpanToBytes(t *testing.T) {
	cases := []struct {
		text           string
		offset, length int
		wantOff, wantN int
		ok             bool
	}{
		{"John Doe", 0, 4, 0, 4, true},
		{"José Ruiz", 5, 4, 6, 4, true},
		{"café", 0, 4, 0, 5, true},
		{"abc", 3, 0, 3, 0, true},
		{"abc", 2, 2, 0, 0, false},
		{"abc", -1, 1, 0, 0, false},
	}
	for _, tc := range cases {
		off, n, ok := codePointSpanToBytes(tc.text, tc.offset, tc.length)
		require.Equal(t, tc.ok, ok, "text=%q", tc.text)
		if tc.ok {
			require.Equal(t, tc.wantOff, off, "text=%q", tc.text)
			require.Equal(t, tc.wantN, n, "text=%q", tc.text)
		}
	}
}

// ---------------------------------------------------------------------------
// Client.RecognizePII
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, "test-key",
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestRecognizePII_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/language/:analyze-text", r.URL.Path)
		require.Equal(t, "2023-04-01", r.URL.Query().Get("api-version"))
		require.Equal(t, "test-key", r.Header.Get("Ocp-Apim-Subscription-Key"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req analyzeRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		require.Equal(t, "PiiEntityRecognition", req.Kind)
		require.Equal(t, "UnicodeCodePoint", req.Parameters.StringIndexType)
		require.Len(t, req.AnalysisInput.Documents, 2)
		require.Equal(t, "1", req.AnalysisInput.Documents[1].ID)

		// documents deliberately returned out of order
		_, _ = w.Write([]byte(`{
			"kind": "PiiEntityRecognitionResults",
			"results": {
				"documents": [
					{"id": "1", "entities": []},
					{"id": "0", "entities": [
						{"text": "José", "category": "Person", "offset": 0, "length": 4, "confidenceScore": 0.97},
						{"text": "Madrid", "category": "Address", "offset": 14, "length": 6, "confidenceScore": 0.8}
					]}
				],
				"errors": []
			}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.RecognizePII(context.Background(), []string{"José lives in Madrid", "nothing here"})
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.Nil(t, res[0].Err)
	require.Len(t, res[0].Entities, 2)
	require.Equal(t, "José", res[0].Entities[0].OriginalText)
	require.Equal(t, 0, res[0].Entities[0].Offset)
	require.Equal(t, 5, res[0].Entities[0].Length)
	require.Equal(t, 15, res[0].Entities[1].Offset)
	require.Equal(t, "Madrid", res[0].Entities[1].OriginalText)
	require.InDelta(t, 0.8, res[0].Entities[1].Confidence, 1e-9)

	require.Empty(t, res[1].Entities)
}

func TestRecognizePII_DocumentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": {
			"documents": [{"id": "0", "entities": []}],
			"errors": [{"id": "1", "error": {"code": "InvalidDocument", "message": "too long"}}]
		}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.RecognizePII(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Nil(t, res[0].Err)
	require.NotNil(t, res[1].Err)
	require.Equal(t, "InvalidDocument", res[1].Err.Code)
}

func TestRecognizePII_MissingDocumentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": {"documents": [{"id": "0", "entities": []}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.RecognizePII(context.Background(), []string{"a", "b"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRecognizePII_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.RecognizePII(context.Background(), []string{"a"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRecognizePII_SpanOutsideText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": {"documents": [{"id": "0", "entities": [
			{"text": "x", "category": "Person", "offset": 10, "length": 3, "confidenceScore": 0.9}
		]}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.RecognizePII(context.Background(), []string{"short"})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRecognizePII_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"429","message":"slow down"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.RecognizePII(context.Background(), []string{"a"})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Equal(t, 3*time.Second, statusErr.RetryAfter)
	require.Contains(t, statusErr.Body, "slow down")
}

func TestRecognizePII_EmptyInput(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", "key")
	require.NoError(t, err)
	res, err := c.RecognizePII(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 2*time.Second, parseRetryAfter("2"))
	require.Zero(t, parseRetryAfter(""))
	require.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	require.Zero(t, parseRetryAfter("-1"))
}
