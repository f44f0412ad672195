package metrics

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

type countingReadCloser struct {
	r       io.ReadCloser
	n       atomic.Int64
	onClose func(total int64)
	closed  atomic.Bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	i, err := c.r.Read(p)
	c.n.Add(int64(i))
	return i, err
}

// Close reports the byte count once, however often it is called.
func (c *countingReadCloser) Close() error {
	err := c.r.Close()
	if c.onClose != nil && c.closed.CompareAndSwap(false, true) {
		c.onClose(c.n.Load())
	}
	return err
}

// Transport records one RequestEvent per round trip. Events for responses
// are emitted when the body is closed so the byte counts are final.
type Transport struct {
	Base http.RoundTripper
	Agg  *Aggregator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Agg == nil {
		return base.RoundTrip(req)
	}
	start := time.Now()
	var sent *countingReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		sent = &countingReadCloser{r: req.Body}
		req.Body = sent
	}
	event := func(code int, received int64) RequestEvent {
		path := req.URL.EscapedPath()
		if path == "" {
			path = "/"
		}
		ev := RequestEvent{
			Ts:      time.Now().UTC(),
			Host:    req.URL.Hostname(),
			Method:  req.Method,
			Path:    path,
			Code:    code,
			Ms:      time.Since(start).Milliseconds(),
			BytesIn: received,
		}
		if sent != nil {
			ev.BytesOut = sent.n.Load()
		}
		return ev
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		// code 0 marks a failed round trip
		t.Agg.Add(event(0, 0))
		return resp, err
	}
	if resp.Body == nil {
		t.Agg.Add(event(resp.StatusCode, 0))
		return resp, nil
	}
	code := resp.StatusCode
	resp.Body = &countingReadCloser{r: resp.Body, onClose: func(total int64) {
		t.Agg.Add(event(code, total))
	}}
	return resp, nil
}
