package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// frameReader reads JSON-RPC messages from r, auto-detecting between
// newline-delimited JSON (one object per line) and Content-Length
// framing (LSP-style headers followed by a raw payload) on the first
// message, then sticking with whichever it found.
type frameReader struct {
	br   *bufio.Reader
	mode int // 0 = undetected, 1 = newline, 2 = content-length
}

const (
	modeUndetected = 0
	modeNewline    = 1
	modeHeader     = 2
)

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReader(r)}
}

// Next returns the next raw JSON message, or io.EOF when the stream is
// exhausted.
func (fr *frameReader) Next() ([]byte, error) {
	if fr.mode == modeUndetected {
		return fr.detectAndRead()
	}
	if fr.mode == modeHeader {
		return fr.readHeaderFramed()
	}
	return fr.readLine()
}

func (fr *frameReader) detectAndRead() ([]byte, error) {
	line, err := fr.br.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
		fr.mode = modeHeader
		return fr.readHeaderFramedFrom(trimmed)
	}

	fr.mode = modeNewline
	return []byte(trimmed), nil
}

func (fr *frameReader) readLine() ([]byte, error) {
	line, err := fr.br.ReadString('\n')
	trimmed := strings.TrimSpace(line)
	if trimmed == "" && err != nil {
		return nil, err
	}
	return []byte(trimmed), nil
}

func (fr *frameReader) readHeaderFramed() ([]byte, error) {
	firstLine, err := fr.br.ReadString('\n')
	if err != nil && firstLine == "" {
		return nil, err
	}
	return fr.readHeaderFramedFrom(strings.TrimSpace(firstLine))
}

func (fr *frameReader) readHeaderFramedFrom(firstHeaderLine string) ([]byte, error) {
	length, err := parseContentLength(firstHeaderLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := fr.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		if l, perr := parseContentLength(strings.TrimSpace(line)); perr == nil {
			length = l
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func parseContentLength(headerLine string) (int, error) {
	const prefix = "content-length:"
	lower := strings.ToLower(headerLine)
	if !strings.HasPrefix(lower, prefix) {
		return 0, fmt.Errorf("rpc: expected Content-Length header, got %q", headerLine)
	}
	n, err := strconv.Atoi(strings.TrimSpace(headerLine[len(prefix):]))
	if err != nil {
		return 0, fmt.Errorf("rpc: bad Content-Length: %w", err)
	}
	return n, nil
}

// writeFrame writes v to w in the framing style that was detected for
// the corresponding request stream.
func writeFrame(w io.Writer, mode int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if mode == modeHeader {
		_, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(data), data)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
