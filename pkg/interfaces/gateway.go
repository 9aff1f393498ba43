package interfaces

import (
	"github.com/gorilla/mux"
)

// RouteRegistrar mounts a component's handlers on the versioned API router
type RouteRegistrar interface {
	RegisterRoutes(api *mux.Router)
}

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(key string) bool
	Reset(key string)
}
