package health

import (
	"net/http"
)

// Router is satisfied by both *http.ServeMux and chi routers.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// Register mounts /healthz and /readyz. ready may be nil, in which case the
// process is always reported ready.
func Register(r Router, ready func() bool) {
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("worker not running"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}))
}
