package strand

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Minimal HTTP/1.1 codec: request line, headers and Content-Length
// bodies in; fixed or chunked bodies out. Requests with a
// Transfer-Encoding are refused, so a parsed request always carries its
// complete body.

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var statusNames = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

func statusName(code int) string {
	if s, ok := statusNames[code]; ok {
		return s
	}
	return "Status " + strconv.Itoa(code)
}

// nextLine returns the line starting at off with its terminator removed,
// accepting both CRLF and bare LF.
func nextLine(buf []byte, off int) (line []byte, next int, ok bool) {
	i := bytes.IndexByte(buf[off:], '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = buf[off : off+i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, off + i + 1, true
}

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// parseRequest parses one complete request from the front of buf,
// returning it and the number of bytes consumed. errNeedMore means buf
// holds a prefix of a request that can still complete within max bytes;
// a request whose header or declared body cannot fit max wraps
// ErrTooLarge, and anything unparseable wraps ErrMalformed.
func parseRequest(buf []byte, max int) (*Request, int, error) {
	line, off, ok := nextLine(buf, 0)
	if !ok {
		if len(buf) >= max {
			return nil, 0, fmt.Errorf("%w: header", ErrTooLarge)
		}
		return nil, 0, errNeedMore
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 || parts[1] == "" {
		return nil, 0, fmt.Errorf("%w: bad request line", ErrMalformed)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !validMethod(method) {
		return nil, 0, fmt.Errorf("%w: bad method", ErrMalformed)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, 0, fmt.Errorf("%w: unsupported protocol %q", ErrMalformed, proto)
	}

	hdr := make(Header, 8)
	for {
		var hline []byte
		hline, off, ok = nextLine(buf, off)
		if !ok {
			if len(buf) >= max {
				return nil, 0, fmt.Errorf("%w: header", ErrTooLarge)
			}
			return nil, 0, errNeedMore
		}
		if len(hline) == 0 {
			break
		}
		colon := bytes.IndexByte(hline, ':')
		if colon <= 0 {
			return nil, 0, fmt.Errorf("%w: bad header field", ErrMalformed)
		}
		key := string(hline[:colon])
		if strings.ContainsAny(key, " \t") {
			return nil, 0, fmt.Errorf("%w: whitespace in field name", ErrMalformed)
		}
		hdr[strings.ToLower(key)] = string(bytes.TrimSpace(hline[colon+1:]))
	}

	if hdr.Get("Transfer-Encoding") != "" {
		return nil, 0, fmt.Errorf("%w: transfer-encoding not supported", ErrMalformed)
	}
	bodyLen := 0
	if cl := hdr.Get("Content-Length"); cl != "" {
		// ParseUint refuses sign prefixes, so "+5" is malformed here
		// rather than an accepted alias for 5.
		n, err := strconv.ParseUint(cl, 10, 63)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad content-length", ErrMalformed)
		}
		if n > uint64(max) {
			return nil, 0, fmt.Errorf("%w: declared length %d", ErrTooLarge, n)
		}
		bodyLen = int(n)
	}
	// bodyLen is capped at max above, so neither comparison here can
	// overflow the way off+bodyLen would for lengths near MaxInt64.
	if off > max || bodyLen > max-off {
		return nil, 0, fmt.Errorf("%w: %d byte request", ErrTooLarge, off+bodyLen)
	}
	if len(buf)-off < bodyLen {
		return nil, 0, errNeedMore
	}

	req := &Request{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: hdr,
	}
	if bodyLen > 0 {
		req.Body = append([]byte(nil), buf[off:off+bodyLen]...)
	}
	return req, off + bodyLen, nil
}

// runtime-owned response fields; handler copies of these are dropped.
func ownedField(key string) bool {
	switch key {
	case "content-length", "connection", "transfer-encoding", "date", "server":
		return true
	}
	return false
}

func appendField(dst []byte, key, value string) []byte {
	dst = append(dst, textproto.CanonicalMIMEHeaderKey(key)...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, '\r', '\n')
}

func appendStatusLine(dst []byte, status int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, statusName(status)...)
	return append(dst, '\r', '\n')
}

func appendCommonFields(dst []byte, hdr Header, keepAlive bool) []byte {
	dst = append(dst, "Server: strand\r\nDate: "...)
	dst = append(dst, time.Now().UTC().Format(httpTimeFormat)...)
	dst = append(dst, '\r', '\n')
	if keepAlive {
		dst = append(dst, "Connection: keep-alive\r\n"...)
	} else {
		dst = append(dst, "Connection: close\r\n"...)
	}
	for k, v := range hdr {
		if ownedField(strings.ToLower(k)) {
			continue
		}
		dst = appendField(dst, k, v)
	}
	return dst
}

// appendResponse serializes a complete fixed-body response.
func appendResponse(dst []byte, res *Response, keepAlive bool) []byte {
	dst = appendStatusLine(dst, res.Status)
	dst = appendCommonFields(dst, res.Header, keepAlive)
	if len(res.Body) > 0 && !res.Header.has("Content-Type") {
		dst = append(dst, "Content-Type: text/plain; charset=utf-8\r\n"...)
	}
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(res.Body)), 10)
	dst = append(dst, '\r', '\n', '\r', '\n')
	return append(dst, res.Body...)
}

// appendStreamHead serializes the head of a chunked response.
func appendStreamHead(dst []byte, status int, hdr Header, keepAlive bool) []byte {
	dst = appendStatusLine(dst, status)
	dst = appendCommonFields(dst, hdr, keepAlive)
	return append(dst, "Transfer-Encoding: chunked\r\n\r\n"...)
}

func appendChunk(dst, chunk []byte) []byte {
	if len(chunk) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(chunk)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, chunk...)
	return append(dst, '\r', '\n')
}

func appendLastChunk(dst []byte) []byte {
	return append(dst, "0\r\n\r\n"...)
}

func errorResponse(status int) *Response {
	return Text(status, statusName(status)+"\n")
}
