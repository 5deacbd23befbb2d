package stream

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/user/groupstream/internal/types"
)

// Watermark resolves where a stream resumes. A positive afterSeq query
// parameter wins over the Last-Event-ID header; with neither the stream
// starts from the beginning. Negative values count as zero.
func Watermark(r *http.Request) (int64, error) {
	after, err := parseSeq("afterSeq", r.URL.Query().Get("afterSeq"))
	if err != nil {
		return 0, err
	}
	if after > 0 {
		return after, nil
	}
	return parseSeq("Last-Event-ID", r.Header.Get("Last-Event-ID"))
}

func parseSeq(name, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, types.Invalid("%s must be an integer", name)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}
