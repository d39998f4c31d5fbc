package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/utils"
)

// Remote is the client view of the /sync API.
type Remote interface {
	Status(ctx context.Context) (*entities.StatusResponse, error)
	Push(ctx context.Context, req entities.PushRequest) (*entities.PushResponse, error)
	Pull(ctx context.Context, entity string, since time.Time, cursor string, limit int) (*entities.PullResponse, error)
}

const maxErrorBody = 4 << 10

// RemoteClient talks JSON over HTTP to a syncserver.
type RemoteClient struct {
	baseURL  string
	token    string
	deviceId string
	http     *http.Client
}

func NewRemoteClient(baseURL, token, deviceId string, httpClient *http.Client) (*RemoteClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RemoteClient{baseURL: baseURL, token: token, deviceId: deviceId, http: httpClient}, nil
}

func (c *RemoteClient) Status(ctx context.Context) (*entities.StatusResponse, error) {
	var out entities.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/sync/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RemoteClient) Push(ctx context.Context, req entities.PushRequest) (*entities.PushResponse, error) {
	var out entities.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, req, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(req.Entries) {
		return nil, transientErr("push: %d results for %d entries", len(out.Results), len(req.Entries))
	}
	return &out, nil
}

func (c *RemoteClient) Pull(ctx context.Context, entity string, since time.Time, cursor string, limit int) (*entities.PullResponse, error) {
	params := url.Values{}
	params.Set("entity", entity)
	params.Set("since", entities.NormalizeTime(since).Format(time.RFC3339Nano))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out entities.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RemoteClient) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceId != "" {
		req.Header.Set("x-device-id", c.deviceId)
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		req.Header.Set("x-correlation-id", cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportErr(method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body is indistinguishable from a dropped connection.
		return transientErr("%s %s: decode response: %v", method, path, err)
	}
	return nil
}

func classifyTransportErr(method, path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return transientErr("%s %s: %v", method, path, err)
}

// classifyStatus maps an HTTP status onto the error taxonomy; 401 and 403
// count as transient.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 500,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return transientErr("remote returned %d: %s", code, body)
	default:
		return &RemoteValidationError{StatusCode: code, Message: body}
	}
}
