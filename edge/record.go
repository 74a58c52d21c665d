package edge

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CachedAtHeader is stamped on responses stored by network-first routes.
// Its value is the store time in Unix milliseconds.
const CachedAtHeader = "Sw-Cached-At"

// Record is a stored response.
type Record struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// newRecord buffers resp's body into a Record and replaces resp.Body with a
// fresh reader so the live response can still be returned to the caller.
func newRecord(resp *http.Response) (*Record, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return &Record{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// cachedAt returns the time stamped under CachedAtHeader.
func (r *Record) cachedAt() (time.Time, bool) {
	v := r.Header.Get(CachedAtHeader)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Response builds an *http.Response answering req from the record.
func (r *Record) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Offline returns the synthetic response used when neither the network nor
// a partition can answer req.
func Offline(req *http.Request) *http.Response {
	r := &Record{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("Offline"),
	}
	return r.Response(req)
}

func successful(status int) bool {
	return status >= 200 && status <= 299
}
