// Package handshake performs the server side of the RFC6455 HTTP upgrade
// over a raw, already accepted socket.
package handshake

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// GUID is the fixed value appended to the client key before hashing.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	DefaultMaxHeaderBytes = 8192
	DefaultTimeout        = 10 * time.Second
	DefaultPath           = "/"

	readChunk = 1024
)

var headerEnd = []byte("\r\n\r\n")

var (
	ErrNotUpgrade     = errors.New("missing or invalid Upgrade header")
	ErrMissingKey     = errors.New("missing Sec-WebSocket-Key header")
	ErrHeaderTooLarge = errors.New("handshake headers exceed size limit")
	ErrReadRequest    = errors.New("read handshake request")
	ErrWriteResponse  = errors.New("write handshake response")
)

// Options bounds the handshake read. Zero values select the defaults.
type Options struct {
	MaxHeaderBytes int
	Timeout        time.Duration
}

// Result is what a successful negotiation learned about the peer.
type Result struct {
	Path    string
	Headers map[string]string
	// Buffered holds bytes the client sent after the header terminator;
	// they belong to the first frame.
	Buffered []byte
}

// Header looks a header up case-insensitively.
func (r *Result) Header(name string) string {
	return lookup(r.Headers, name)
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + GUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Negotiate reads the upgrade request from conn and, if it is acceptable,
// writes the 101 response. On error nothing is written and the caller is
// expected to close conn.
//
// A deadline is set on conn for the duration of the exchange and cleared
// before returning successfully.
func Negotiate(conn net.Conn, opts Options) (*Result, error) {
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadRequest, err)
	}

	raw, rest, err := readHead(conn, opts.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}

	res, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	res.Buffered = rest

	if err := WriteResponse(conn, res.Header("Sec-WebSocket-Key")); err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteResponse, err)
	}
	return res, nil
}

// readHead accumulates reads until the header terminator shows up. It
// returns the head without the terminator plus any bytes read past it.
func readHead(conn net.Conn, limit int) ([]byte, []byte, error) {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			// Only the tail can complete a terminator split across reads.
			from := len(buf) - len(headerEnd) + 1
			if from < 0 {
				from = 0
			}
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf[from:], headerEnd); idx >= 0 {
				end := from + idx
				if end > limit {
					return nil, nil, ErrHeaderTooLarge
				}
				rest := append([]byte(nil), buf[end+len(headerEnd):]...)
				return buf[:end], rest, nil
			}
			if len(buf) > limit {
				return nil, nil, ErrHeaderTooLarge
			}
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrReadRequest, err)
		}
	}
}

// Parse validates a request head (everything before the blank line).
//
// A request line that is not "GET <path> HTTP/1.1" is tolerated and leaves
// the path at DefaultPath; only the Upgrade header and key decide the
// outcome.
func Parse(raw []byte) (*Result, error) {
	lines := strings.Split(string(raw), "\r\n")

	res := &Result{
		Path:    DefaultPath,
		Headers: make(map[string]string, len(lines)),
	}

	if path, ok := parseRequestLine(lines[0]); ok {
		res.Path = path
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		res.Headers[name] = strings.TrimSpace(value)
	}

	if !strings.EqualFold(res.Header("Upgrade"), "websocket") {
		return nil, ErrNotUpgrade
	}
	if res.Header("Sec-WebSocket-Key") == "" {
		return nil, ErrMissingKey
	}
	return res, nil
}

func parseRequestLine(line string) (string, bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "GET" || parts[2] != "HTTP/1.1" {
		return "", false
	}
	return parts[1], true
}

// WriteResponse writes the 101 Switching Protocols reply for key.
func WriteResponse(conn net.Conn, key string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n" +
		"\r\n"

	if _, err := conn.Write([]byte(resp)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteResponse, err)
	}
	return nil
}

func lookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
