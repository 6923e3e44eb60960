package tagmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// HTTPPaths configures the endpoints exposed by the remote runtime bridge.
type HTTPPaths struct {
	Container string
	Pause     string
	DataLayer string
	Legacy    string
}

// DefaultHTTPPaths matches the bridge in deployment/localdev/mock-tagmanager.
func DefaultHTTPPaths() HTTPPaths {
	return HTTPPaths{
		Container: "/api/v1/tagmanager/container",
		Pause:     "/api/v1/tagmanager/container/pause",
		DataLayer: "/api/v1/tagmanager/datalayer",
		Legacy:    "/api/v1/tagmanager/legacy",
	}
}

// HTTPRuntime talks to a tag-manager bridge over JSON/HTTP.
type HTTPRuntime struct {
	baseURL     string
	containerID string
	paths       HTTPPaths
	httpClient  *http.Client
}

// NewHTTPRuntime constructs a runtime targeting baseURL.
func NewHTTPRuntime(baseURL, containerID string, paths HTTPPaths, timeout time.Duration) *HTTPRuntime {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPRuntime{
		baseURL:     strings.TrimRight(baseURL, "/"),
		containerID: containerID,
		paths:       paths,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPRuntime) ContainerID() string { return c.containerID }

type containerResponse struct {
	ContainerState
	DataLayerAvailable bool `json:"data_layer_available"`
}

func (c *HTTPRuntime) Container(ctx context.Context) (ContainerState, error) {
	var resp containerResponse
	if err := c.do(ctx, http.MethodGet, c.paths.Container, nil, &resp); err != nil {
		return ContainerState{}, fmt.Errorf("tag manager container request failed: %w", err)
	}
	return resp.ContainerState, nil
}

func (c *HTTPRuntime) PauseContainer(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, c.paths.Pause, nil, nil); err != nil {
		return fmt.Errorf("tag manager pause request failed: %w", err)
	}
	return nil
}

func (c *HTTPRuntime) EventLog(ctx context.Context) (EventLog, error) {
	var resp containerResponse
	if err := c.do(ctx, http.MethodGet, c.paths.Container, nil, &resp); err != nil {
		return nil, fmt.Errorf("tag manager container request failed: %w", err)
	}
	if !resp.DataLayerAvailable {
		return nil, ErrUnavailable
	}
	return httpEventLog{c}, nil
}

func (c *HTTPRuntime) Legacy(ctx context.Context) (LegacyState, error) {
	var state LegacyState
	if err := c.do(ctx, http.MethodGet, c.paths.Legacy, nil, &state); err != nil {
		return LegacyState{}, fmt.Errorf("tag manager legacy request failed: %w", err)
	}
	return state, nil
}

func (c *HTTPRuntime) InstallLegacy(ctx context.Context, cfg LegacyConfig) error {
	if err := c.do(ctx, http.MethodPut, c.paths.Legacy, cfg, nil); err != nil {
		return fmt.Errorf("tag manager legacy install failed: %w", err)
	}
	return nil
}

type httpEventLog struct{ c *HTTPRuntime }

func (l httpEventLog) Push(ctx context.Context, e Entry) error {
	return l.c.do(ctx, http.MethodPost, l.c.paths.DataLayer, e, nil)
}

func (l httpEventLog) Entries(ctx context.Context) ([]Entry, error) {
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	if err := l.c.do(ctx, http.MethodGet, l.c.paths.DataLayer, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (l httpEventLog) RemoveBySystem(ctx context.Context, system string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	endpoint := l.c.paths.DataLayer + "?system=" + url.QueryEscape(system)
	if err := l.c.do(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *HTTPRuntime) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	rawQuery := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, rawQuery = p[:i], p[i+1:]
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	u.RawQuery = rawQuery
	return u.String()
}

func (c *HTTPRuntime) do(ctx context.Context, method, p string, payload any, out any) error {
	endpoint := c.resolvePath(p)
	if endpoint == "" {
		return ErrUnavailable
	}
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode >= 300:
		return fmt.Errorf("tag manager returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Runtime = (*HTTPRuntime)(nil)
