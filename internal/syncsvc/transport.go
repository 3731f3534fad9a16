package syncsvc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Transport is the four-operation contract the Sync Service needs from a
// remote server (spec.md §4.H). Implementations classify failures into the
// sentinel errors in errors.go so the caller can decide whether to retry.
type Transport interface {
	GetChangesSince(ctx context.Context, deviceID string, syncToken *string) (FetchChangesResponse, error)
	PushChanges(ctx context.Context, payload PushPayload) (PushResponse, error)
	UploadDocument(ctx context.Context, documentID, deviceID, localPath, mimeType string, data []byte) (blobKey string, err error)
	DownloadDocument(ctx context.Context, documentID, blobKey string) (data []byte, verifiedSHA256 string, err error)
}

// Per spec.md §4.H: base 1s, factor 2x, 3 attempts.
const (
	maxRetries    = 3
	baseBackoff   = 1 * time.Second
	backoffFactor = 2.0
)

// HTTPTransport is the real Transport, an HTTP client against a sync
// server, modeled on the teacher's graph.Client: bearer auth, exponential
// backoff with jitter, and a circuit breaker so a server outage doesn't
// keep every sync cycle blocking on the same doomed calls.
type HTTPTransport struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// NewHTTPTransport builds an HTTPTransport. httpClient defaults to
// http.DefaultClient, logger to slog.Default.
func NewHTTPTransport(baseURL, apiToken string, httpClient *http.Client, logger *slog.Logger) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "syncsvc-transport",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPTransport{
		baseURL: baseURL, apiToken: apiToken, httpClient: httpClient,
		breaker: breaker, logger: logger, sleepFunc: timeSleep,
	}
}

func (t *HTTPTransport) GetChangesSince(ctx context.Context, deviceID string, syncToken *string) (FetchChangesResponse, error) {
	url := fmt.Sprintf("%s/api/sync/changes?deviceId=%s", t.baseURL, deviceID)
	if syncToken != nil {
		url += "&since=" + *syncToken
	}

	var out FetchChangesResponse
	err := t.doJSON(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

func (t *HTTPTransport) PushChanges(ctx context.Context, payload PushPayload) (PushResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return PushResponse{}, fmt.Errorf("syncsvc: marshaling push payload: %w", err)
	}

	var out PushResponse
	err = t.doJSON(ctx, http.MethodPost, t.baseURL+"/api/sync/push", body, &out)
	return out, err
}

func (t *HTTPTransport) UploadDocument(ctx context.Context, documentID, deviceID, localPath, mimeType string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	result, err := t.breaker.Execute(func() (any, error) {
		return t.retryLoop(ctx, func() (*http.Response, error) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			part, perr := mw.CreateFormFile("file", localPath)
			if perr != nil {
				return nil, perr
			}
			if _, perr := part.Write(data); perr != nil {
				return nil, perr
			}
			_ = mw.WriteField("documentId", documentID)
			_ = mw.WriteField("deviceId", deviceID)
			if cerr := mw.Close(); cerr != nil {
				return nil, cerr
			}

			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost,
				fmt.Sprintf("%s/api/documents/upload/%s", t.baseURL, documentID), &buf)
			if rerr != nil {
				return nil, rerr
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			req.Header.Set("X-Content-Sha256", hash)
			t.authorize(req)
			return t.httpClient.Do(req)
		})
	})
	if err != nil {
		return "", err
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()

	serverHash := resp.Header.Get("X-Verified-Sha256")
	var decoded struct {
		BlobKey string `json:"blob_key"`
	}
	if derr := json.NewDecoder(resp.Body).Decode(&decoded); derr != nil {
		return "", fmt.Errorf("syncsvc: decoding upload response: %w", derr)
	}
	if serverHash != "" && serverHash != hash {
		return "", ErrChecksumMismatch
	}
	return decoded.BlobKey, nil
}

func (t *HTTPTransport) DownloadDocument(ctx context.Context, documentID, blobKey string) ([]byte, string, error) {
	result, err := t.breaker.Execute(func() (any, error) {
		return t.retryLoop(ctx, func() (*http.Response, error) {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodGet,
				fmt.Sprintf("%s/api/documents/download/%s", t.baseURL, blobKey), nil)
			if rerr != nil {
				return nil, rerr
			}
			t.authorize(req)
			return t.httpClient.Do(req)
		})
	})
	if err != nil {
		return nil, "", err
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()

	data, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return nil, "", fmt.Errorf("syncsvc: reading document body: %w", rerr)
	}

	expected := resp.Header.Get("X-Content-Sha256")
	if expected != "" {
		sum := sha256.Sum256(data)
		actual := hex.EncodeToString(sum[:])
		if actual != expected {
			return nil, "", ErrChecksumMismatch
		}
	}
	_ = documentID
	return data, expected, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	result, err := t.breaker.Execute(func() (any, error) {
		return t.retryLoop(ctx, func() (*http.Response, error) {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, rerr := http.NewRequestWithContext(ctx, method, url, reader)
			if rerr != nil {
				return nil, rerr
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			t.authorize(req)
			return t.httpClient.Do(req)
		})
	})
	if err != nil {
		return err
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.apiToken)
}

// retryLoop makes up to maxRetries attempts at the request, retrying on a
// network error or a retryable HTTP status with exponential backoff. On success it returns
// the *http.Response with StatusCode in [200,300); on a non-retryable or
// exhausted failure it returns a *TransportError.
func (t *HTTPTransport) retryLoop(ctx context.Context, do func() (*http.Response, error)) (*http.Response, error) {
	var attempt int
	for {
		resp, err := do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt+1 < maxRetries {
				if serr := t.sleepFunc(ctx, t.backoff(attempt)); serr != nil {
					return nil, serr
				}
				attempt++
				continue
			}
			return nil, fmt.Errorf("syncsvc: request failed after %d attempts: %w", maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if isRetryable(resp.StatusCode) && attempt+1 < maxRetries {
			t.logger.Warn("syncsvc: retrying after HTTP error", slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))
			if serr := t.sleepFunc(ctx, t.backoff(attempt)); serr != nil {
				return nil, serr
			}
			attempt++
			continue
		}

		return nil, &TransportError{StatusCode: resp.StatusCode, Message: string(body), Err: classifyStatus(resp.StatusCode)}
	}
}

func (t *HTTPTransport) backoff(attempt int) time.Duration {
	d := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	jitter := d * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Transport = (*HTTPTransport)(nil)
