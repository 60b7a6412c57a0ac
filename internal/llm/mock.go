package llm

import (
	"context"
	"sync"
)

// Reply is one scripted outcome of a Mock call.
type Reply struct {
	Response *Response
	Err      error
}

// Mock is a scripted Client. Replies are consumed in order; once exhausted the last
// reply repeats. With no replies it echoes a minimal JSON object.
type Mock struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Request
	handler func(Request) (*Response, error)
}

// NewMock creates a Mock that returns the given replies in order.
func NewMock(replies ...Reply) *Mock {
	return &Mock{replies: replies}
}

// NewMockFunc creates a Mock that answers every call with fn.
func NewMockFunc(fn func(Request) (*Response, error)) *Mock {
	return &Mock{handler: fn}
}

// Text is a convenience for a successful reply.
func Text(s string) Reply {
	return Reply{Response: &Response{Text: s, FinishReason: "stop", Model: "mock"}}
}

// Fail is a convenience for a failed reply.
func Fail(err error) Reply {
	return Reply{Err: err}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	handler := m.handler
	var reply Reply
	switch {
	case handler != nil:
	case len(m.replies) == 0:
		reply = Text(`{}`)
	case idx < len(m.replies):
		reply = m.replies[idx]
	default:
		reply = m.replies[len(m.replies)-1]
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	return reply.Response, reply.Err
}

// Calls returns a copy of every request received.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
