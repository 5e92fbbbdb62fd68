package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is the engine's view of an incoming request. It is treated as an
// immutable value: the With* methods return modified copies and never touch
// the receiver's URL or headers.
type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Hostname returns the request host without a port.
func (r Request) Hostname() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// RequestURI returns the path and query of the request.
func (r Request) RequestURI() string {
	if r.URL == nil {
		return "/"
	}
	return r.URL.RequestURI()
}

// Path returns the request path.
func (r Request) Path() string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func (r Request) clone() Request {
	c := r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return c
}

// WithHeader returns a copy with value appended to key. Existing values for
// key are kept.
func (r Request) WithHeader(key, value string) Request {
	c := r.clone()
	c.Header.Add(key, value)
	return c
}

// WithPath returns a copy whose path and query are replaced by target.
// Scheme and host are kept.
func (r Request) WithPath(target string) (Request, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return r, fmt.Errorf("substitute path %q: %w", target, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return r, fmt.Errorf("substitute path %q: must not name a host", target)
	}
	c := r.clone()
	if c.URL == nil {
		c.URL = &url.URL{}
	}
	c.URL.Path = ref.Path
	c.URL.RawPath = ref.RawPath
	c.URL.RawQuery = ref.RawQuery
	c.URL.Fragment = ""
	return c, nil
}

// Response is what the engine hands back to the platform.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// NewResponse builds a response with a fully buffered body.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	var rc io.ReadCloser = http.NoBody
	if len(body) > 0 {
		rc = io.NopCloser(bytes.NewReader(body))
	}
	return &Response{StatusCode: status, Header: header, Body: rc}
}

// Buffer reads the whole body into memory so any pending transform behind
// it has finished when Buffer returns.
func (r *Response) Buffer() ([]byte, error) {
	if r.Body == nil {
		r.Body = http.NoBody
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
