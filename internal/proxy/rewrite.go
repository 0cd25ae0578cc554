package proxy

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultProductToken is the user-agent product name whose device id is
// rewritten when no other token is configured.
const DefaultProductToken = "KiroIDE"

var (
	deviceIDRun        = regexp.MustCompile(`(?i)[a-f0-9]{64}`)
	contentLengthField = regexp.MustCompile(`(?i)content-length:\s*(\d+)`)
)

// RequestInfo describes the leading request of a session.
type RequestInfo struct {
	Timestamp        time.Time `json:"timestamp"`
	Method           string    `json:"method"`
	Host             string    `json:"host"`
	Path             string    `json:"path"`
	IsMitm           bool      `json:"isMitm"`
	DeviceIDReplaced bool      `json:"deviceIdReplaced"`
	OriginalDeviceID string    `json:"originalDeviceId,omitempty"`
	NewDeviceID      string    `json:"newDeviceId,omitempty"`
}

// RewriteResult is the outcome of rewriting one header block.
type RewriteResult struct {
	Modified bool
	// Headers is the header block without its CRLFCRLF terminator.
	Headers string
	Info    RequestInfo
}

// Rewriter substitutes the device id carried in the vendor user-agent of a
// raw HTTP/1.x header block.
type Rewriter struct {
	token     string
	userAgent *regexp.Regexp
	now       func() time.Time
}

// NewRewriter builds a Rewriter for the given user-agent product token,
// matching e.g. "<token>-1.2.3-<64 hex>" or "<token> 1.2.3 <64 hex>".
func NewRewriter(productToken string) *Rewriter {
	if productToken == "" {
		productToken = DefaultProductToken
	}
	return &Rewriter{
		token:     productToken,
		userAgent: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(productToken) + `[-\s][\d.]+[-\s]([a-f0-9]{64})`),
		now:       time.Now,
	}
}

// ProductToken returns the token the rewriter matches.
func (rw *Rewriter) ProductToken() string {
	return rw.token
}

// Rewrite replaces every 64-hex run on user-agent and x-amz-user-agent lines
// that match the vendor pattern with targetID. All other lines are returned
// byte-identical. An empty targetID leaves the block untouched.
func (rw *Rewriter) Rewrite(headerBlock, hostname, targetID string) RewriteResult {
	lines := strings.Split(headerBlock, "\r\n")

	method, path := "UNKNOWN", "/"
	requestLine := strings.Split(lines[0], " ")
	if requestLine[0] != "" {
		method = requestLine[0]
	}
	if len(requestLine) > 1 && requestLine[1] != "" {
		path = requestLine[1]
	}

	result := RewriteResult{
		Headers: headerBlock,
		Info: RequestInfo{
			Timestamp: rw.now(),
			Method:    method,
			Host:      hostname,
			Path:      path,
			IsMitm:    true,
		},
	}

	if targetID == "" {
		return result
	}

	var originalID string
	for i, line := range lines {
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "user-agent:") && !strings.HasPrefix(lower, "x-amz-user-agent:") {
			continue
		}

		match := rw.userAgent.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		replaced := deviceIDRun.ReplaceAllLiteralString(line, targetID)
		if replaced != line {
			originalID = match[1]
			lines[i] = replaced
			result.Modified = true
		}
	}

	if result.Modified {
		result.Headers = strings.Join(lines, "\r\n")
		result.Info.DeviceIDReplaced = true
		result.Info.OriginalDeviceID = originalID
		result.Info.NewDeviceID = targetID
	}

	return result
}

// contentLength returns the first Content-Length value found in the header
// block, or 0.
func contentLength(headerBlock string) int64 {
	match := contentLengthField.FindStringSubmatch(headerBlock)
	if match == nil {
		return 0
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
