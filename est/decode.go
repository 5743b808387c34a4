package est

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmcleod/estgate/internal/util"
)

// decodeBody normalizes an enrollment request body to raw CSR bytes.
// PEM and DER pass through verbatim. A Content-Transfer-Encoding of
// base64 triggers exactly one decode pass. Bodies that still carry
// their own chunk framing (some gateway clients send these) are
// reassembled by the tolerant chunk reader.
func decodeBody(body []byte, transferEncoding string) ([]byte, error) {
	if strings.EqualFold(strings.TrimSpace(transferEncoding), "base64") {
		decoded, err := util.B64Decode(string(body))
		if err != nil {
			return nil, fmt.Errorf("decoding base64 body: %w", err)
		}
		return decoded, nil
	}
	if chunked, ok := decodeChunked(body); ok {
		return chunked, nil
	}
	return body, nil
}

// decodeChunked reassembles a chunk-framed body: a hex size line, then
// data lines accumulated until the announced size is reached or an empty
// line appears, repeated until a zero size chunk. Termination is
// deliberately tolerant; some clients close the sequence without the
// trailing blank line.
func decodeChunked(body []byte) ([]byte, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out bytes.Buffer
	readAnything := false
	for scanner.Scan() {
		sizeLine := strings.TrimSpace(scanner.Text())
		if sizeLine == "" {
			continue
		}
		size, err := strconv.ParseUint(sizeLine, 16, 32)
		if err != nil {
			return nil, false
		}
		if size == 0 {
			return out.Bytes(), readAnything
		}
		var chunkRead uint64
		for chunkRead < size && scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				break
			}
			out.WriteString(line)
			chunkRead += uint64(len(line))
			readAnything = true
		}
	}
	// Ran out of input without the zero-size terminator.
	return out.Bytes(), readAnything
}
