package server

import (
	"net/http"

	"github.com/ternarybob/cvforge/internal/handlers"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method, rendering the 405
// envelope when the method has no handler
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		handlers.MethodNotAllowed(w, r)
		return
	}
	handler(w, r)
}

// RouteResourceCollection handles the standard list + create pattern
// GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	RouteByMethod(w, r, MethodRouter{"GET": list, "POST": create})
}

// RouteResourceItem handles the standard get + patch + delete pattern
// GET -> get, PATCH -> patch, DELETE -> delete
func RouteResourceItem(w http.ResponseWriter, r *http.Request, get, patch, delete RouteHandler) {
	RouteByMethod(w, r, MethodRouter{"GET": get, "PATCH": patch, "DELETE": delete})
}
