// Package mucks is pintrain's tiny HTTP router, adapted from the
// teacher corpus's go/mucks: a thin wrapper over net/http.ServeMux with
// chainable middleware and an RFC-7807-flavoured Problem response for
// errors. Used here for internal/dashboard's /ws and /status routes.
package mucks

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Middleware wraps a handler, typically to add a response header or
// perform a cross-cutting check before delegating.
type Middleware interface {
	Wrap(handlerFunc http.HandlerFunc) http.HandlerFunc
}

// Mucks is a ServeMux with an optional middleware chain applied in
// front of every route.
type Mucks struct {
	Mux         *http.ServeMux
	HandlerFunc http.HandlerFunc
}

var notFound = Problem{StatusCode: 404, ErrorCode: 404, Message: "Not Found", Detail: "Not Found"}

func notFoundHandler(w http.ResponseWriter, _ *http.Request) {
	p := notFound
	p.Instance = uuid.NewString()
	JSONError(w, p)
}

// NewMucks builds an empty router whose default (unmatched) route
// returns a 404 Problem.
func NewMucks() *Mucks {
	mux := http.NewServeMux()
	mux.HandleFunc("/", notFoundHandler)
	m := &Mucks{Mux: mux}
	m.HandlerFunc = mux.ServeHTTP
	return m
}

// Add appends a middleware to the front of the handler chain.
func (m *Mucks) Add(mw Middleware) {
	m.HandlerFunc = mw.Wrap(m.HandlerFunc)
}

// HandleFunc registers pattern with the underlying ServeMux (Go 1.22+
// "METHOD /path" patterns are accepted, same as net/http).
func (m *Mucks) HandleFunc(pattern string, handler http.HandlerFunc) {
	m.Mux.HandleFunc(pattern, handler)
}

// ServeHTTP runs the middleware-wrapped handler chain.
func (m *Mucks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.HandlerFunc(w, r)
}

const (
	ContentType                = "Content-Type"
	ApplicationJsonContentType = "application/json; charset=utf-8"
)

// JsonContentTypeMiddleware sets the JSON content-type header on
// every response before delegating.
type JsonContentTypeMiddleware struct{}

func (JsonContentTypeMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ContentType, ApplicationJsonContentType)
		next(w, r)
	}
}

// Problem is an RFC-7807-flavoured error response.
type Problem struct {
	StatusCode int    `json:"status"`
	ErrorCode  int    `json:"errorCode"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
}

func NewBadRequest(detail string) Problem {
	return Problem{StatusCode: 400, ErrorCode: 400, Message: "Bad Request", Detail: detail, Instance: uuid.NewString()}
}

func NewServerError(detail string) Problem {
	return Problem{StatusCode: 500, ErrorCode: 500, Message: "Internal Error", Detail: detail, Instance: uuid.NewString()}
}

// JSONError writes p as the response body with its own status code.
func JSONError(w http.ResponseWriter, p Problem) {
	w.Header().Set(ContentType, ApplicationJsonContentType)
	w.WriteHeader(p.StatusCode)
	_ = json.NewEncoder(w).Encode(p)
}

// JSONOk writes v as a 200 JSON response body.
func JSONOk(w http.ResponseWriter, v any) {
	w.Header().Set(ContentType, ApplicationJsonContentType)
	_ = json.NewEncoder(w).Encode(v)
}
