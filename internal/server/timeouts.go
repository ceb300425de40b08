// internal/server/timeouts.go
//
// HTTP server helper with explicit timeouts.
//
//   • ReadTimeout   – abort slow-loris headers and bodies
//   • WriteTimeout  – cap total response time; must exceed the async check
//                     timeout because submit waits on pending checks
//   • IdleTimeout   – close keep-alives on idle clients
//
// Values come from config.HTTP; zero falls back to the defaults below.

package server

import (
	"net/http"
	"time"
)

// Defaults used when Timeouts leaves a field zero.
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Timeouts groups the server deadlines.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// New constructs an *http.Server for addr and handler.
func New(addr string, handler http.Handler, t Timeouts) *http.Server {
	if t.Read <= 0 {
		t.Read = DefaultReadTimeout
	}
	if t.Write <= 0 {
		t.Write = DefaultWriteTimeout
	}
	if t.Idle <= 0 {
		t.Idle = DefaultIdleTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: t.Read,
		ReadTimeout:       t.Read,
		WriteTimeout:      t.Write,
		IdleTimeout:       t.Idle,
	}
}
