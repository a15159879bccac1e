package strand

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Header holds request or response fields. Parsed keys are lower-cased;
// lookups through Get and Set fold case, so handlers can use either.
// Duplicate fields on parse keep the last value.
type Header map[string]string

func (h Header) Get(key string) string { return h[strings.ToLower(key)] }

func (h Header) Set(key, value string) { h[strings.ToLower(key)] = value }

func (h Header) Del(key string) { delete(h, strings.ToLower(key)) }

// has reports whether any field name folds to key, catching literal
// Header maps built with canonical-case keys that Get would miss.
func (h Header) has(key string) bool {
	if _, ok := h[strings.ToLower(key)]; ok {
		return true
	}
	for k := range h {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// Request is one fully parsed inbound request. The body is complete
// before dispatch; handlers never observe partial reads.
type Request struct {
	Method string
	Target string // request-target as sent, including any query
	Proto  string
	Header Header
	Body   []byte
}

// Path returns the target with any query string removed.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}
	return r.Target
}

// Query parses the target's query string. Malformed pairs are dropped.
func (r *Request) Query() url.Values {
	i := strings.IndexByte(r.Target, '?')
	if i < 0 {
		return url.Values{}
	}
	v, err := url.ParseQuery(r.Target[i+1:])
	if err != nil {
		return url.Values{}
	}
	return v
}

// wantClose reports whether the peer asked for the connection to be
// closed after this exchange.
func (r *Request) wantClose() bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	if r.Proto == "HTTP/1.0" {
		return conn != "keep-alive"
	}
	return conn == "close"
}

// Response is a complete reply with a known body.
type Response struct {
	Status int
	Header Header
	Body   []byte
}

// Text builds a plain-text response.
func Text(status int, body string) *Response {
	return &Response{
		Status: status,
		Header: Header{"content-type": "text/plain; charset=utf-8"},
		Body:   []byte(body),
	}
}

// Data builds a response with an explicit content type.
func Data(status int, contentType string, body []byte) *Response {
	return &Response{
		Status: status,
		Header: Header{"content-type": contentType},
		Body:   body,
	}
}

// JSON builds an application/json response. A marshal failure collapses
// to a plain 500, matching the generic handler-error path.
func JSON(status int, v any) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		return Text(500, "internal server error\n")
	}
	return &Response{
		Status: status,
		Header: Header{"content-type": "application/json"},
		Body:   b,
	}
}
