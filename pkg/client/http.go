package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// HTTPAPI implements API against the messaging service's HTTP surface.
type HTTPAPI struct {
	baseURL string
	token   string

	// client has no global timeout: the stream endpoint stays open
	// indefinitely and request contexts bound everything else.
	client *http.Client
}

// NewHTTPAPI creates a transport for the given server and bearer token.
func NewHTTPAPI(baseURL, token string) *HTTPAPI {
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (a *HTTPAPI) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON issues the request and decodes a 2xx response into out.
func (a *HTTPAPI) doJSON(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}

// CheckMutualFollow implements API.
func (a *HTTPAPI) CheckMutualFollow(ctx context.Context, partnerID string) (bool, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/api/v1/relationships/check",
		url.Values{"targetUserId": {partnerID}}, nil)
	if err != nil {
		return false, err
	}
	var status model.FollowStatusResponse
	if err := a.doJSON(req, &status); err != nil {
		return false, err
	}
	return status.IsMutualFollow, nil
}

// ListMessages implements API.
func (a *HTTPAPI) ListMessages(ctx context.Context, partnerID string) ([]model.Message, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/api/v1/messages",
		url.Values{"userId": {partnerID}}, nil)
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := a.doJSON(req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage implements API.
func (a *HTTPAPI) SendMessage(ctx context.Context, partnerID, content string) (*model.Message, error) {
	req, err := a.newRequest(ctx, http.MethodPost, "/api/v1/messages", nil,
		model.SendMessageRequest{ReceiverID: partnerID, Content: content})
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := a.doJSON(req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead implements API.
func (a *HTTPAPI) MarkRead(ctx context.Context, partnerID string) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/api/v1/messages/read",
		url.Values{"senderId": {partnerID}}, nil)
	if err != nil {
		return err
	}
	return a.doJSON(req, nil)
}

// OpenStream implements API.
func (a *HTTPAPI) OpenStream(ctx context.Context, partnerID string) (Stream, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/api/v1/messages/stream",
		url.Values{"userId": {partnerID}}, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	return newSSEStream(resp.Body), nil
}

// maxStreamEventSize bounds a single stream line. The server accepts message
// content up to 100KB; JSON escaping can expand it several-fold, so the cap
// sits well above that.
const maxStreamEventSize = 1 << 20

// sseStream parses text/event-stream frames: an "event:" line, a "data:"
// line, and a blank delimiter.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamEventSize)
	return &sseStream{body: body, scanner: scanner}
}

// Recv blocks until the next message event. Heartbeats and the initial
// connected event are consumed silently.
func (s *sseStream) Recv() (*model.Message, error) {
	event := ""
	data := ""

	for s.scanner.Scan() {
		line := s.scanner.Text()

		switch {
		case line == "":
			// Frame boundary.
			if event == model.EventMessage && data != "" {
				var msg model.Message
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					return nil, fmt.Errorf("malformed stream event: %w", err)
				}
				return &msg, nil
			}
			if event == model.EventError {
				var ev model.ErrorEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return nil, fmt.Errorf("malformed stream error event: %w", err)
				}
				// The server is about to end the response; treat it as a
				// transport failure so the session reconnects.
				return nil, fmt.Errorf("stream closed by server: %s (%s)", ev.Message, ev.Code)
			}
			event, data = "", ""

		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")

		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
