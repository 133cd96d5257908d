package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrHTTPDisabled      = errors.New("http not enabled")
	ErrHostNotAllowed    = errors.New("host not allowed")
	ErrBadURL            = errors.New("bad url")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrBodyTooLarge      = errors.New("request body exceeds max size")
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// HTTPConfig controls outbound requests made on behalf of a guest. Guests
// cannot open sockets, so this is their only way out.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTPResult is what http_request hands back to the guest. Truncated is
// set when the upstream body was cut at MaxBodySize.
type HTTPResult struct {
	Status    int               `json:"status"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Truncated bool              `json:"truncated,omitempty"`
}

// outbound is a guest's request after validation.
type outbound struct {
	method  string
	url     *url.URL
	body    string
	headers http.Header
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.RequestTimeout}}
}

// Register exposes the client as http_request and http_get.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

// Request performs {"method","url","body","headers"} and returns an
// HTTPResult. Header values may be a string or a list of strings.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	out, err := h.parse(args)
	if err != nil {
		return nil, err
	}
	return h.do(ctx, out)
}

// Get is Request with the method forced to GET. args is left untouched.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	out, err := h.parse(args)
	if err != nil {
		return nil, err
	}
	out.method = http.MethodGet
	out.body = ""
	return h.do(ctx, out)
}

func (h *HTTP) parse(args map[string]any) (*outbound, error) {
	method, _ := args["method"].(string)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	raw, _ := args["url"].(string)
	switch {
	case raw == "":
		return nil, fmt.Errorf("%w: url required", ErrBadURL)
	case len(raw) > h.cfg.MaxURLLength:
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrBadURL, h.cfg.MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrBadURL)
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, ErrHTTPDisabled
	}
	if !h.allows(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	body, _ := args["body"].(string)
	if int64(len(body)) > h.cfg.MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	return &outbound{method: method, url: u, body: body, headers: guestHeaders(args["headers"])}, nil
}

func guestHeaders(v any) http.Header {
	hdr := make(http.Header)
	m, _ := v.(map[string]any)
	for name, val := range m {
		switch val := val.(type) {
		case string:
			hdr.Add(name, val)
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok {
					hdr.Add(name, s)
				}
			}
		}
	}
	return hdr
}

func (h *HTTP) do(ctx context.Context, out *outbound) (HTTPResult, error) {
	var body io.Reader
	if out.body != "" {
		body = strings.NewReader(out.body)
	}
	req, err := http.NewRequestWithContext(ctx, out.method, out.url.String(), body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header = out.headers

	resp, err := h.client.Do(req)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// One extra byte tells a body of exactly MaxBodySize from a longer one.
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return HTTPResult{}, fmt.Errorf("read response: %w", err)
	}

	res := HTTPResult{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header))}
	if int64(len(data)) > h.cfg.MaxBodySize {
		data = data[:h.cfg.MaxBodySize]
		res.Truncated = true
	}
	res.Body = string(data)
	for name := range resp.Header {
		res.Headers[name] = resp.Header.Get(name)
	}
	return res, nil
}

// allows matches exact hosts and subdomains of allowed names. IP literals
// are compared as addresses and never match by suffix.
func (h *HTTP) allows(host string) bool {
	ip, ipErr := netip.ParseAddr(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ipErr == nil {
			if a, err := netip.ParseAddr(allowed); err == nil && a.Unmap() == ip.Unmap() {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func NewHTTPGet(cfg HTTPConfig) Func {
	return NewHTTP(cfg).Get
}
