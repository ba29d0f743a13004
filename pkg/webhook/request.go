package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

var (
	// ErrIncompleteRequest means the peer closed the stream before the
	// header block was terminated.
	ErrIncompleteRequest = errors.New("connection closed before request was complete")
	// ErrRequestTooLarge means the request exceeded the server's size limit.
	ErrRequestTooLarge = errors.New("request exceeds size limit")

	errMalformedRequest = errors.New("malformed request")
)

var headerTerminator = []byte("\r\n\r\n")

const readChunkSize = 4096

type request struct {
	Header http.Header
	Method string
	Target string
	Path   string
	Body   []byte
}

// readRequest accumulates bytes from r until a complete HTTP/1.x request is
// buffered: the header block up to the blank line, then Content-Length body
// bytes. A single Read is never assumed to carry a whole request. If the peer
// ends the stream after the headers, whatever body arrived is used.
func readRequest(r io.Reader, limit int) (*request, error) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	var req *request
	headerEnd, want := -1, 0
	eof := false

	for {
		if headerEnd < 0 {
			if i := bytes.Index(buf, headerTerminator); i >= 0 {
				parsed, err := parseHead(buf[:i])
				if err != nil {
					return nil, err
				}
				n, err := contentLength(parsed.Header)
				if err != nil {
					return nil, err
				}
				headerEnd = i + len(headerTerminator)
				if n > limit-headerEnd {
					return nil, ErrRequestTooLarge
				}
				req, want = parsed, n
			} else if len(buf) > limit {
				return nil, ErrRequestTooLarge
			}
		}

		if headerEnd >= 0 && (len(buf)-headerEnd >= want || eof) {
			body := buf[headerEnd:]
			if len(body) > want {
				body = body[:want]
			}
			req.Body = bytes.Clone(body)
			return req, nil
		}
		if eof {
			return nil, ErrIncompleteRequest
		}

		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			return nil, err
		}
	}
}

func parseHead(head []byte) (*request, error) {
	lines := strings.Split(string(head), "\r\n")
	parts := strings.Fields(lines[0])
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: request line %q", errMalformedRequest, lines[0])
	}

	req := &request{
		Method: parts[0],
		Target: parts[1],
		Header: make(http.Header, len(lines)-1),
	}
	req.Path, _, _ = strings.Cut(req.Target, "?")

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: header line %q", errMalformedRequest, line)
		}
		req.Header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k)), strings.TrimSpace(v))
	}
	return req, nil
}

// contentLength returns the declared body length. A request without the
// header has no body.
func contentLength(h http.Header) (int, error) {
	if strings.EqualFold(h.Get("Transfer-Encoding"), "chunked") {
		return 0, fmt.Errorf("%w: chunked transfer encoding is not supported", errMalformedRequest)
	}
	v := h.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: content-length %q", errMalformedRequest, v)
	}
	return n, nil
}

func writeResponse(w io.Writer, status int, body string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}
