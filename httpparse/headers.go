package httpparse

import (
	"strconv"
	"strings"
)

// parseRequestLine parses "METHOD url HTTP/1.x".
func parseRequestLine(d *detail, line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return
	}
	d.method = parts[0]
	d.url = parts[1]
	d.reqVersion = strings.TrimPrefix(parts[2], "HTTP/")
}

// parseStatusLine parses "HTTP/1.x NNN reason".
func parseStatusLine(d *detail, line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return
	}
	d.respVersion = strings.TrimPrefix(parts[0], "HTTP/")
	code, err := strconv.Atoi(parts[1])
	if err == nil {
		d.statusCode = code
	}
}

func splitHeader(line string) (name, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], strings.TrimSpace(line[idx+1:]), true
}

// eqFold compares a header name against a known name using a case-insensitive
// exact-length comparison, per spec.md §4.5.
func eqFold(name, want string) bool {
	return len(name) == len(want) && strings.EqualFold(name, want)
}

func applyRequestHeader(d *detail, line string) {
	name, value, ok := splitHeader(line)
	if !ok {
		return
	}
	switch {
	case eqFold(name, "Host"):
		d.host = value
	case eqFold(name, "User-Agent"):
		d.userAgent = value
	case eqFold(name, "Referer"):
		d.referer = value
	case eqFold(name, "Accept"):
		d.accept = value
	case eqFold(name, "Accept-Language"):
		d.acceptLanguage = value
	case eqFold(name, "Accept-Encoding"):
		d.acceptEncoding = value
	case eqFold(name, "X-Forwarded-For"):
		d.xForwardedFor = value
	case eqFold(name, "Connection"):
		d.reqConn = value
	case eqFold(name, "Content-Length"):
		if n, err := strconv.Atoi(value); err == nil {
			d.reqContentLength = n
			d.haveReqLength = true
		}
	}
}

func applyResponseHeader(d *detail, line string) {
	name, value, ok := splitHeader(line)
	if !ok {
		return
	}
	switch {
	case eqFold(name, "Content-Type"):
		d.contentType = value
	case eqFold(name, "Content-Disposition"):
		d.contentDisp = value
	case eqFold(name, "Transfer-Encoding"):
		d.transferEncoding = value
		if strings.EqualFold(value, "chunked") {
			d.chunkedResponse = true
		}
	case eqFold(name, "Connection"):
		d.respConn = value
	case eqFold(name, "Content-Length"):
		if n, err := strconv.Atoi(value); err == nil {
			d.respContentLength = n
			d.haveRespLength = true
		}
	}
}
