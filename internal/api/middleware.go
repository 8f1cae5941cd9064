package api

import (
	"fmt"
	"net/http"
	"strings"
)

// errorHandler turns a panicking handler into a 500 and closes the
// connection.
func (b *Bridge) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}

			b.log.Printf("panic: %v (%s %s)", err, r.Method, r.URL.Path)
			w.Header().Set("Connection", "close")
			b.writeJson(w, http.StatusInternalServerError, NewInternalServerError(err))
		}()

		next.ServeHTTP(w, r)
	})
}

// noStore keeps browsers from caching chat state the UI polls.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
