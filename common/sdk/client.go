// Package sdk is a Go client for the chatd HTTP API. It covers profile
// management and streaming generation; internal services and tests use it
// instead of hand-rolling requests.
package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/models"
)

// Message is one prior turn supplied as generation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the body of a generation call.
type GenerateRequest struct {
	OwnerID   string          `json:"ownerId"`
	BranchID  uuid.UUID       `json:"branchId,omitempty"`
	MessageID uuid.UUID       `json:"messageId,omitempty"`
	VariantID uuid.UUID       `json:"variantId,omitempty"`
	Trigger   models.Trigger  `json:"trigger,omitempty"`
	Message   string          `json:"message"`
	History   []Message       `json:"history,omitempty"`
	Vars      map[string]any  `json:"vars,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Client talks to one chatd instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client. The zero timeout on the underlying HTTP
// client is deliberate: generation streams are long-lived and bounded by
// context, not a wall-clock cap.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// GenerationStream is a live SSE generation. Read Events until it closes,
// then check Err for a transport-level failure. The server's terminal event
// (type "done") carries the authoritative status.
type GenerationStream struct {
	GenerationID uuid.UUID

	body   io.ReadCloser
	events chan models.StreamEvent
	err    error
}

// Events returns the event channel. Closed when the stream ends.
func (s *GenerationStream) Events() <-chan models.StreamEvent { return s.events }

// Err reports a transport failure after Events closes, nil on clean end.
func (s *GenerationStream) Err() error { return s.err }

// Close tears the stream down. The server treats the disconnect as an
// abort request for the generation.
func (s *GenerationStream) Close() error { return s.body.Close() }

// Generate starts a generation and returns its event stream.
func (c *Client) Generate(ctx context.Context, chatID uuid.UUID, req *GenerateRequest) (*GenerationStream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/chats/%s/generate", c.baseURL, chatID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Owner-Id", req.OwnerID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	genID, err := uuid.Parse(resp.Header.Get("X-Generation-Id"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("missing generation id header")
	}

	stream := &GenerationStream{
		GenerationID: genID,
		body:         resp.Body,
		events:       make(chan models.StreamEvent, 16),
	}
	go stream.pump()
	return stream, nil
}

// pump reads named SSE frames off the wire until the stream ends. Each
// frame is an "event:" line naming the type followed by a "data:" line
// carrying the JSON payload.
func (s *GenerationStream) pump() {
	defer close(s.events)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
			continue
		case !strings.HasPrefix(line, "data:"):
			// blank line ends the frame
			if line == "" {
				eventName = ""
			}
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			ev.Type = models.StreamEventType(eventName)
		}
		s.events <- ev
		if ev.Type == models.StreamDone || ev.Type == models.StreamError {
			return
		}
	}
	s.err = scanner.Err()
}

// Abort requests cancellation of a running generation. Idempotent.
func (c *Client) Abort(ctx context.Context, generationID uuid.UUID) error {
	url := fmt.Sprintf("%s/api/v1/generations/%s/abort", c.baseURL, generationID)
	resp, err := c.do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return decodeError(resp)
	}
	return nil
}

// GetGeneration fetches one generation record.
func (c *Client) GetGeneration(ctx context.Context, generationID uuid.UUID) (*models.Generation, error) {
	url := fmt.Sprintf("%s/api/v1/generations/%s", c.baseURL, generationID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var gen models.Generation
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decode generation: %w", err)
	}
	return &gen, nil
}

// CreateProfile validates and stores a profile document, returning its id.
func (c *Client) CreateProfile(ctx context.Context, doc json.RawMessage) (uuid.UUID, error) {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/profiles", bytes.NewReader(doc))
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return uuid.Nil, decodeError(resp)
	}

	var created struct {
		ProfileID uuid.UUID `json:"profileId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return uuid.Nil, fmt.Errorf("decode create response: %w", err)
	}
	return created.ProfileID, nil
}

// ActivateProfile makes a stored profile the active one.
func (c *Client) ActivateProfile(ctx context.Context, profileID uuid.UUID) error {
	url := fmt.Sprintf("%s/api/v1/profiles/%s/activate", c.baseURL, profileID)
	resp, err := c.do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// DeactivateProfile clears the active profile; runs fall back to plain chat.
func (c *Client) DeactivateProfile(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/profiles/deactivate", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatd returned %d: %s", e.StatusCode, e.Body)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if d, err := time.ParseDuration(raw + "s"); err == nil {
			apiErr.RetryAfter = d
		}
	}
	return apiErr
}
