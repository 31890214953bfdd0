// Package httpmock is a minimal http.RoundTripper fake for subgraph-fetch
// tests: route a request path to a canned status/body without spinning up a
// real listener (internal/execute's executor tests are the main consumer).
package httpmock

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Response is one canned reply.
type Response struct {
	Status int
	Body   string
}

// Router dispatches by request URL, recording every request it saw for
// assertions (e.g. "did the entity cache avoid a second call").
type Router struct {
	mu       sync.Mutex
	routes   map[string][]Response // URL -> queue of responses, consumed in order
	fallback Response
	Requests []RecordedRequest
}

type RecordedRequest struct {
	URL  string
	Body string
}

func NewRouter() *Router {
	return &Router{routes: map[string][]Response{}, fallback: Response{Status: 200, Body: `{"data":{}}`}}
}

// Enqueue appends a response to be returned, in order, the next time url is
// requested.
func (r *Router) Enqueue(url string, resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[url] = append(r.routes[url], resp)
}

func (r *Router) SetFallback(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = resp
}

func (r *Router) Count(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.Requests {
		if req.URL == url {
			n++
		}
	}
	return n
}

func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}

	r.mu.Lock()
	r.Requests = append(r.Requests, RecordedRequest{URL: req.URL.String(), Body: string(bodyBytes)})
	resp := r.fallback
	if queue := r.routes[req.URL.String()]; len(queue) > 0 {
		resp = queue[0]
		r.routes[req.URL.String()] = queue[1:]
	}
	r.mu.Unlock()

	return &http.Response{
		StatusCode: resp.Status,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Client builds an *http.Client whose Transport is this Router.
func (r *Router) Client() *http.Client {
	return &http.Client{Transport: r}
}
