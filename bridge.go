package jstime

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// bridgeQueueDepth sizes the endpoint channels. The buffers are a fast path
// only; a pump with an unbounded queue sits behind each endpoint, so the
// engine goroutine never blocks dispatching a request and the worker never
// blocks reporting a result.
const bridgeQueueDepth = 128

// maxDrainBytes caps how much of a response body the worker reads while
// draining it for connection reuse.
const maxDrainBytes = 4 << 20

// fetchRequest describes one outbound HTTP call, identified by the
// correlation id the host allocated for it.
type fetchRequest struct {
	id      uint32
	method  string
	url     string
	headers map[string]string
}

// fetchResponse is the worker's report for a request: the same id, and
// either a status code or the failure cause.
type fetchResponse struct {
	id     uint32
	status int
	err    error
}

// fetchBridge performs blocking HTTP requests on a dedicated worker
// goroutine. The worker holds no engine references; requests and responses
// cross the boundary as plain Go values. The engine goroutine is the single
// producer of requests and the single consumer of responses.
type fetchBridge struct {
	requests  chan fetchRequest
	responses chan fetchResponse
	client    *http.Client
	log       *zap.Logger
}

func newFetchBridge(transport http.RoundTripper, timeout time.Duration, log *zap.Logger) *fetchBridge {
	b := &fetchBridge{
		requests:  make(chan fetchRequest, bridgeQueueDepth),
		responses: make(chan fetchResponse, bridgeQueueDepth),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: log,
	}
	work := make(chan fetchRequest)
	results := make(chan fetchResponse)
	go pump(b.requests, work)
	go pump(results, b.responses)
	go b.run(work, results)
	return b
}

// pump forwards values from in to out through an unbounded FIFO queue. It
// always stands ready to receive, so a sender on in never waits for the
// receiver on out. It drains the queue and closes out once in closes.
func pump[T any](in <-chan T, out chan<- T) {
	defer close(out)
	var queue []T
	for in != nil || len(queue) > 0 {
		var send chan<- T
		var head T
		if len(queue) > 0 {
			send = out
			head = queue[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, v)
		case send <- head:
			queue = queue[1:]
		}
	}
}

// run is the worker loop: receive, perform, report. A failed request is a
// failure payload, not a dead worker; the loop exits only when the work
// channel closes.
func (b *fetchBridge) run(work <-chan fetchRequest, results chan<- fetchResponse) {
	defer close(results)
	for req := range work {
		status, err := b.do(req)
		if err != nil {
			b.log.Debug("fetch failed", zap.Uint32("id", req.id), zap.String("url", req.url), zap.Error(err))
			results <- fetchResponse{id: req.id, err: err}
			continue
		}
		b.log.Debug("fetch completed", zap.Uint32("id", req.id), zap.Int("status", status))
		results <- fetchResponse{id: req.id, status: status}
	}
}

func (b *fetchBridge) do(req fetchRequest) (int, error) {
	httpReq, err := http.NewRequest(req.method, req.url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain the body so the underlying connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	return resp.StatusCode, nil
}

// close stops the worker loop once queued requests have been served. The
// pumps and the worker shut down in sequence as their inbound channels close.
func (b *fetchBridge) close() {
	close(b.requests)
}

// defaultTransport returns an http.Transport with HTTP/2 negotiation enabled
// for TLS connections.
func defaultTransport() http.RoundTripper {
	tr := &http.Transport{}
	_ = http2.ConfigureTransport(tr)
	return tr
}
