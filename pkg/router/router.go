// Package router is a minimal fasthttp router. Paths may contain {name}
// segments whose values are stored as request user values.
package router

import (
	"sort"
	"strings"

	"github.com/valyala/fasthttp"
)

// node is one path segment of the route tree. Literal children take
// precedence over the single parameter child.
type node struct {
	literal  map[string]*node
	param    *node
	name     string
	handlers map[string]fasthttp.RequestHandler
}

func newNode() *node { return &node{literal: map[string]*node{}} }

type Router struct {
	root     *node
	fallback fasthttp.RequestHandler
}

func New() *Router { return &Router{root: newNode()} }

func (r *Router) GET(path string, h fasthttp.RequestHandler)    { r.Handle("GET", path, h) }
func (r *Router) POST(path string, h fasthttp.RequestHandler)   { r.Handle("POST", path, h) }
func (r *Router) PUT(path string, h fasthttp.RequestHandler)    { r.Handle("PUT", path, h) }
func (r *Router) PATCH(path string, h fasthttp.RequestHandler)  { r.Handle("PATCH", path, h) }
func (r *Router) DELETE(path string, h fasthttp.RequestHandler) { r.Handle("DELETE", path, h) }

// Handle registers h for method and path. Registering the same pair twice
// replaces the earlier handler. Two routes may not name the parameter at
// the same position differently.
func (r *Router) Handle(method, path string, h fasthttp.RequestHandler) {
	n := r.root
	for _, seg := range split(path) {
		if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
			name := seg[1 : len(seg)-1]
			if n.param == nil {
				n.param = newNode()
				n.param.name = name
			} else if n.param.name != name {
				panic("router: conflicting parameter {" + name + "} in " + path)
			}
			n = n.param
			continue
		}
		child, ok := n.literal[seg]
		if !ok {
			child = newNode()
			n.literal[seg] = child
		}
		n = child
	}
	if n.handlers == nil {
		n.handlers = map[string]fasthttp.RequestHandler{}
	}
	n.handlers[method] = h
}

// NotFound replaces the default JSON 404 for unmatched paths.
func (r *Router) NotFound(h fasthttp.RequestHandler) { r.fallback = h }

// Handler satisfies the fasthttp.Server handler interface.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	n := r.lookup(ctx, split(string(ctx.Path())))
	if n == nil || len(n.handlers) == 0 {
		if r.fallback != nil {
			r.fallback(ctx)
			return
		}
		WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
		return
	}
	h, ok := n.handlers[string(ctx.Method())]
	if !ok {
		ctx.Response.Header.Set("Allow", n.allow())
		WriteJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h(ctx)
}

// lookup walks the tree, recording parameter values on ctx as it goes.
// Empty segments never match a parameter.
func (r *Router) lookup(ctx *fasthttp.RequestCtx, segs []string) *node {
	n := r.root
	for _, seg := range segs {
		if child, ok := n.literal[seg]; ok {
			n = child
			continue
		}
		if n.param == nil || seg == "" {
			return nil
		}
		n = n.param
		ctx.SetUserValue(n.name, seg)
	}
	return n
}

func (n *node) allow() string {
	methods := make([]string, 0, len(n.handlers))
	for m := range n.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// Param returns the value of a {name} path segment.
func Param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func split(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
