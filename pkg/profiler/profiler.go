package profiler

import (
	"log"
	"net/http"
	"net/http/pprof"
	"time"
)

// InitialiseProfiler starts a pprof HTTP server on the given address.
// Intended for debugging only; never expose this address publicly.
func InitialiseProfiler(address string) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{
			Addr:        address,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		}

		log.Println(server.ListenAndServe())
	}()
}
