package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

// DefaultPollInterval is how often Subscribe polls /changes.
const DefaultPollInterval = 2 * time.Second

// RequestEditorFn is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// HttpRequestDoer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a Server. It implements remote.Store and remote.MediaStorage.
type Client struct {
	// The endpoint of the server, with scheme. It may contain a path prefix;
	// operation paths are resolved relative to it.
	Server string

	// Doer for performing requests, typically a *http.Client.
	Client HttpRequestDoer

	// Callbacks applied to every request before it is sent.
	RequestEditors []RequestEditorFn

	pollInterval time.Duration
	logger       *slog.Logger
}

var (
	_ remote.Store        = (*Client)(nil)
	_ remote.MediaStorage = (*Client)(nil)
)

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// NewClient creates a client for server.
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server:       server,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &client, nil
}

// WithHTTPClient overrides the default Doer. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn adds a callback called right before sending each request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// WithPollInterval sets how often Subscribe polls for changes.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		c.pollInterval = d
		return nil
	}
}

// WithLogger sets the logger used for subscription errors.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// Put implements remote.Store.
func (c *Client) Put(ctx context.Context, id model.EntityID, delta model.Document, baseVersion int64) (int64, error) {
	req, err := NewPutEntityRequest(c.Server, id, baseVersion, delta)
	if err != nil {
		return 0, err
	}
	var out VersionResponse
	if err := c.do(ctx, "put", req, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// Delete implements remote.Store.
func (c *Client) Delete(ctx context.Context, id model.EntityID, baseVersion, clientTime int64) (int64, error) {
	req, err := NewDeleteEntityRequest(c.Server, id, baseVersion, clientTime)
	if err != nil {
		return 0, err
	}
	var out VersionResponse
	if err := c.do(ctx, "delete", req, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// Changes fetches the change log after since.
func (c *Client) Changes(ctx context.Context, filter remote.Filter) ([]model.Change, error) {
	req, err := NewGetChangesRequest(c.Server, filter)
	if err != nil {
		return nil, err
	}
	var out []model.Change
	if err := c.do(ctx, "changes", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe implements remote.Store by polling /changes. Poll failures are
// logged and retried on the next tick; the channel closes when ctx ends.
func (c *Client) Subscribe(ctx context.Context, filter remote.Filter) (<-chan model.Change, error) {
	ch := make(chan model.Change)
	go func() {
		defer close(ch)
		cursor := filter.Since
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			f := filter
			f.Since = cursor
			changes, err := c.Changes(ctx, f)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("poll changes failed", "since", cursor, "error", err)
			}
			for _, change := range changes {
				select {
				case ch <- change:
					cursor = max(cursor, change.Cursor)
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Upload implements remote.MediaStorage.
func (c *Client) Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	req, err := NewUploadMediaRequestWithBody(c.Server, name, contentType, body)
	if err != nil {
		return "", err
	}
	var out UploadResponse
	if err := c.do(ctx, "upload", req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Download implements remote.MediaStorage. url is a URL returned by Upload.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, "download", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError("download", resp)
	}
	return resp.Body, nil
}

func (c *Client) send(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, nil); err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, &remote.TransientError{Op: op, Err: err}
	}
	return resp, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op string, req *http.Request, out any) error {
	resp, err := c.send(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &remote.TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// decodeError maps a non-2xx response back to the remote error taxonomy.
func decodeError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusConflict {
		var ce remote.ConflictError
		if err := json.Unmarshal(body, &ce); err != nil {
			return &remote.TransientError{Op: op, Err: fmt.Errorf("decode conflict: %w", err)}
		}
		return &ce
	}

	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode >= 500:
		return &remote.TransientError{Op: op, Err: fmt.Errorf("%s: %s", resp.Status, er.Error)}
	case resp.StatusCode == http.StatusNotFound:
		return remote.ErrNotFound
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &remote.PermanentError{Reason: model.ReasonQuotaExceeded, Message: er.Error}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &remote.PermanentError{Reason: model.ReasonCorruptBlob, Message: er.Error}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return &remote.TransientError{Op: op, Err: fmt.Errorf("%s", resp.Status)}
	default:
		return &remote.PermanentError{Reason: model.ReasonRejected, Message: er.Error}
	}
}

// NewPutEntityRequest generates a request for PUT /entities/{id}.
func NewPutEntityRequest(server string, id model.EntityID, base int64, delta model.Document) (*http.Request, error) {
	body, err := json.Marshal(delta)
	if err != nil {
		return nil, err
	}

	queryURL, err := entityURL(server, id)
	if err != nil {
		return nil, err
	}
	if err := addQuery(queryURL, "base", base); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPut, queryURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// NewDeleteEntityRequest generates a request for DELETE /entities/{id}.
func NewDeleteEntityRequest(server string, id model.EntityID, base, clientTime int64) (*http.Request, error) {
	queryURL, err := entityURL(server, id)
	if err != nil {
		return nil, err
	}
	if err := addQuery(queryURL, "base", base); err != nil {
		return nil, err
	}
	if err := addQuery(queryURL, "time", clientTime); err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodDelete, queryURL.String(), nil)
}

// NewGetChangesRequest generates a request for GET /changes.
func NewGetChangesRequest(server string, filter remote.Filter) (*http.Request, error) {
	queryURL, err := operationURL(server, "/changes")
	if err != nil {
		return nil, err
	}
	if err := addQuery(queryURL, "since", filter.Since); err != nil {
		return nil, err
	}
	if len(filter.IDs) > 0 {
		ids := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			ids[i] = string(id)
		}
		if err := addQuery(queryURL, "id", ids); err != nil {
			return nil, err
		}
	}
	return http.NewRequest(http.MethodGet, queryURL.String(), nil)
}

// NewUploadMediaRequestWithBody generates a request for POST /media with any body.
func NewUploadMediaRequestWithBody(server, name, contentType string, body io.Reader) (*http.Request, error) {
	queryURL, err := operationURL(server, "/media")
	if err != nil {
		return nil, err
	}
	if err := addQuery(queryURL, "name", name); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, queryURL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", contentType)
	return req, nil
}

func entityURL(server string, id model.EntityID) (*url.URL, error) {
	pathParam0, err := runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, string(id))
	if err != nil {
		return nil, err
	}
	return operationURL(server, fmt.Sprintf("/entities/%s", pathParam0))
}

func operationURL(server, operationPath string) (*url.URL, error) {
	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}
	return serverURL.Parse(operationPath)
}

// addQuery appends a form-exploded query parameter.
func addQuery(u *url.URL, name string, value any) error {
	queryFrag, err := runtime.StyleParamWithLocation("form", true, name, runtime.ParamLocationQuery, value)
	if err != nil {
		return err
	}
	parsed, err := url.ParseQuery(queryFrag)
	if err != nil {
		return err
	}
	queryValues := u.Query()
	for k, v := range parsed {
		for _, v2 := range v {
			queryValues.Add(k, v2)
		}
	}
	u.RawQuery = queryValues.Encode()
	return nil
}
