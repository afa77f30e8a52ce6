// Package router mounts the versioned goal API and the unversioned ops endpoints on gin.
package router

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
)

// Route describes a registered endpoint
type Route struct {
	Group  string
	Method string
	Path   string
}

type endpoint struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// DomainGroup collects the endpoints one handler serves under a common prefix.
type DomainGroup struct {
	name      string
	prefix    string
	endpoints []endpoint
}

// NewDomainGroup creates a group; name only labels its routes
func NewDomainGroup(name, prefix string) *DomainGroup {
	return &DomainGroup{name: name, prefix: prefix}
}

func (dg *DomainGroup) handle(method, p string, handlers []gin.HandlerFunc) *DomainGroup {
	dg.endpoints = append(dg.endpoints, endpoint{method: method, path: p, handlers: handlers})
	return dg
}

func (dg *DomainGroup) GET(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodGet, p, handlers)
}

func (dg *DomainGroup) POST(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPost, p, handlers)
}

func (dg *DomainGroup) PUT(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPut, p, handlers)
}

func (dg *DomainGroup) DELETE(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodDelete, p, handlers)
}

// mount registers the group's endpoints below rg
func (dg *DomainGroup) mount(rg *gin.RouterGroup) {
	group := rg.Group(dg.prefix)
	for _, e := range dg.endpoints {
		group.Handle(e.method, e.path, e.handlers...)
	}
}

// Routes lists the group's endpoints as they are served below base
func (dg *DomainGroup) Routes(base string) []Route {
	prefix := path.Join(base, dg.prefix)
	routes := make([]Route, 0, len(dg.endpoints))
	for _, e := range dg.endpoints {
		routes = append(routes, Route{Group: dg.name, Method: e.method, Path: path.Join(prefix, e.path)})
	}
	return routes
}

// Router mounts domain groups under /api/<version> and ops endpoints at the root.
type Router struct {
	engine     *gin.Engine
	apiVersion string
	groups     []*DomainGroup
	ops        *DomainGroup
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix, "v1" by default
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) { r.apiVersion = version }
}

// NewRouter creates a Router over engine
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
		ops:        NewDomainGroup("ops", "/"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds groups to be served under BasePath
func (r *Router) Register(groups ...*DomainGroup) *Router {
	r.groups = append(r.groups, groups...)
	return r
}

// Ops adds an unversioned GET endpoint such as /health or /metrics
func (r *Router) Ops(p string, handler gin.HandlerFunc) *Router {
	r.ops.GET(p, handler)
	return r
}

// BasePath returns the prefix of the versioned API
func (r *Router) BasePath() string {
	return "/api/" + r.apiVersion
}

// Setup mounts everything registered so far on the engine
func (r *Router) Setup() {
	r.ops.mount(&r.engine.RouterGroup)

	api := r.engine.Group(r.BasePath())
	for _, g := range r.groups {
		g.mount(api)
	}
}

// Routes lists ops endpoints followed by every versioned endpoint
func (r *Router) Routes() []Route {
	routes := r.ops.Routes("/")
	for _, g := range r.groups {
		routes = append(routes, g.Routes(r.BasePath())...)
	}
	return routes
}
