package network

import (
	"errors"
	"net/http"

	"keyrelay/internal/input"
	"keyrelay/internal/pages"
	"keyrelay/internal/protocol"
	"keyrelay/internal/queue"
)

// AcceptedMessage is the body returned for a successful POST.
const AcceptedMessage = "Action sequence accepted"

// Route names used for logs and metrics.
const (
	RoutePost      = "post"
	RoutePoll      = "poll"
	RouteUnrouted  = "unrouted"
	RouteMalformed = "malformed"
)

// Router maps one parsed request to its effect on the queue and its response.
type Router struct {
	queue *queue.Queue
	pages *pages.Store

	// OnPageMissing is called when a page file is absent and the built-in
	// payload is sent instead.
	OnPageMissing func(name string, err error)
}

// NewRouter creates a router over q, reading error pages from p.
func NewRouter(q *queue.Queue, p *pages.Store) *Router {
	return &Router{queue: q, pages: p}
}

// Route handles req. A non-nil error means the connection failed underneath
// the request and no response should be attempted.
func (r *Router) Route(req *protocol.Request) (string, protocol.Response, error) {
	if req.Path != protocol.ActionSequencePath {
		return RouteUnrouted, r.page(http.StatusNotImplemented, pages.NotImplemented), nil
	}
	switch req.Method {
	case http.MethodPost:
		key, value, err := req.Form()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedRequest) {
				return RouteMalformed, r.NotFound(), nil
			}
			return RoutePost, protocol.Response{}, err
		}
		r.queue.Enqueue(input.ActionSequence{Target: key, Payload: value}.String())
		return RoutePost, protocol.TextResponse(AcceptedMessage), nil
	case http.MethodGet:
		item, _ := r.queue.TryDequeue()
		return RoutePoll, protocol.TextResponse(item), nil
	default:
		return RouteUnrouted, r.page(http.StatusNotImplemented, pages.NotImplemented), nil
	}
}

// NotFound is the response for a request that could not be read.
func (r *Router) NotFound() protocol.Response {
	return r.page(http.StatusNotFound, pages.NotFound)
}

func (r *Router) page(status int, name string) protocol.Response {
	body, err := r.pages.Page(name)
	if err != nil && r.OnPageMissing != nil {
		r.OnPageMissing(name, err)
	}
	return protocol.PageResponse(status, name, body)
}
