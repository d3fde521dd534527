package gateway

import (
	"context"
)

// Handler processes one request and returns one response.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler with additional behavior.
type Middleware func(next Handler) Handler

// Chain is an ordered list of middleware. The first middleware is the
// outermost wrapper, so it sees the request first and the response last.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middleware, outermost first.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware to the inner end of the chain.
func (c *Chain) Use(m Middleware) *Chain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Then wraps the handler with every middleware in the chain.
func (c *Chain) Then(h Handler) Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int { return len(c.middlewares) }
