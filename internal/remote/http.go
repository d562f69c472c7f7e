package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/physio-sync/internal/domain"
)

// HTTPOptions configures an HTTPSubmitter.
type HTTPOptions struct {
	// BaseURL is the sink origin, e.g. "http://localhost:8080".
	BaseURL string
	// BasePath is the API prefix. Empty means "/api/v1".
	BasePath string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout is the client-level ceiling. The executor applies its own
	// per-call deadline through the context.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// HTTPSubmitter posts records to the sink API. The record id travels as the
// Idempotency-Key header and in the body; the sink replays its stored
// answer for a known id.
type HTTPSubmitter struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSubmitter builds a submitter with an OpenTelemetry-instrumented
// transport.
func NewHTTPSubmitter(opts HTTPOptions) (*HTTPSubmitter, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("http submitter: base URL is required")
	}
	path := opts.BasePath
	if path == "" {
		path = "/api/v1"
	}
	path = "/" + strings.Trim(path, "/")

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSubmitter{
		endpoint: base + path + "/records",
		token:    opts.Token,
		client:   client,
	}, nil
}

type ackBody struct {
	ID       string `json:"id"`
	Replayed bool   `json:"replayed"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit delivers s. 200 and 201 are acknowledgements; 400, 409 and 422 are
// rejections; anything else is a StatusError.
func (h *HTTPSubmitter) Submit(ctx context.Context, s domain.Submission) (domain.Ack, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return domain.Ack{}, fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", s.ID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.Ack{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Ack{}, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var ack ackBody
		if err := json.Unmarshal(raw, &ack); err != nil {
			return domain.Ack{}, &StatusError{Status: resp.StatusCode, Body: "undecodable acknowledgement"}
		}
		if ack.ID == "" {
			return domain.Ack{}, &StatusError{Status: resp.StatusCode, Body: "acknowledgement without id"}
		}
		return domain.Ack{RemoteID: ack.ID, Replayed: ack.Replayed}, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		reason := eb.Message
		if reason == "" {
			reason = snippet(raw)
		}
		return domain.Ack{}, &RejectedError{Status: resp.StatusCode, Code: eb.Code, Reason: reason}

	default:
		return domain.Ack{}, &StatusError{Status: resp.StatusCode, Body: snippet(raw)}
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
