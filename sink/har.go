// HAR writes completed HTTP breakdowns into a .har file for operator
// debugging, the same idea as trace/har_collector.go. Unlike the teacher,
// which records the live *http.Request/*http.Response as the transaction
// streams by, this sink only ever sees the flattened fields a
// httpparse.Session.Breakdown() already produced, so its HAR entries are
// reconstructed from those fields rather than replayed from the wire --
// good enough for "what did this exchange look like", not a byte-exact
// capture.
package sink

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/google/martian/v3/har"
	"github.com/pkg/errors"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/logging"
)

// HAR accumulates completed HTTP transactions and writes them out as a
// single .har document on Close, mirroring HARCollector.Close's
// logger.ExportAndReset pattern.
type HAR struct {
	mu     sync.Mutex
	logger *har.Logger
	path   string
	seq    uint64
}

func OpenHAR(path string) *HAR {
	return &HAR{logger: har.NewLogger(), path: path}
}

// Emit ignores anything that isn't a completed HTTP breakdown record.
func (h *HAR) Emit(r *breakdown.Record) {
	if r.Protocol != "http" || r.ProtocolFields == nil {
		return
	}
	method, _ := r.ProtocolFields["http_method"].(string)
	rawURL, _ := r.ProtocolFields["http_url"].(string)
	if method == "" || rawURL == "" {
		return
	}

	h.mu.Lock()
	h.seq++
	id := strconv.FormatUint(h.seq, 10)
	h.mu.Unlock()

	req, err := buildRequest(r, method, rawURL)
	if err != nil {
		logging.V(2).Debugf("har sink: skipping malformed request: %v", err)
		return
	}
	h.logger.RecordRequest(id, req)

	if statusCode, ok := r.ProtocolFields["http_status_code"].(int); ok && statusCode != 0 {
		h.logger.RecordResponse(id, buildResponse(r, statusCode))
	}
}

func buildRequest(r *breakdown.Record, method, rawURL string) (*http.Request, error) {
	host, _ := r.ProtocolFields["http_host"].(string)
	if host == "" {
		host = r.SvcIP
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "bad request URL")
	}
	if u.Host == "" {
		u.Host = host
		u.Scheme = "http"
	}

	req, err := http.NewRequest(method, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Host = host
	setHeaderIfPresent(req.Header, "User-Agent", r.ProtocolFields["http_user_agent"])
	setHeaderIfPresent(req.Header, "Referer", r.ProtocolFields["http_referer"])
	setHeaderIfPresent(req.Header, "Accept", r.ProtocolFields["http_accept"])
	setHeaderIfPresent(req.Header, "Accept-Language", r.ProtocolFields["http_accept_language"])
	setHeaderIfPresent(req.Header, "Accept-Encoding", r.ProtocolFields["http_accept_encoding"])
	setHeaderIfPresent(req.Header, "X-Forwarded-For", r.ProtocolFields["http_x_forwarded_for"])
	return req, nil
}

func buildResponse(r *breakdown.Record, statusCode int) *http.Response {
	resp := &http.Response{
		StatusCode: statusCode,
		Status:     strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		Proto:      "HTTP/1.1",
		Header:     http.Header{},
	}
	setHeaderIfPresent(resp.Header, "Content-Type", r.ProtocolFields["http_content_type"])
	setHeaderIfPresent(resp.Header, "Content-Disposition", r.ProtocolFields["http_content_disposition"])
	setHeaderIfPresent(resp.Header, "Transfer-Encoding", r.ProtocolFields["http_transfer_encoding"])
	if size, ok := r.ProtocolFields["http_response_body_size"].(int); ok {
		resp.ContentLength = int64(size)
	}
	return resp
}

func setHeaderIfPresent(h http.Header, key string, v interface{}) {
	s, ok := v.(string)
	if !ok || s == "" {
		return
	}
	h.Set(key, s)
}

// Close exports the buffered HAR log and writes it to h.path.
func (h *HAR) Close() error {
	content := h.logger.ExportAndReset()
	b, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal har content")
	}

	f, err := os.Create(h.path)
	if err != nil {
		return errors.Wrapf(err, "failed to create har file %s", h.path)
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}
