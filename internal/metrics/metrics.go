package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"terasu-mitm/internal/mitm"
)

// CertReport is served on /certs.
type CertReport struct {
	mitm.Statistics
	Hostnames int  `json:"hostnames"`
	Dirty     bool `json:"dirty"`
}

// CertSource produces the current CertReport; nil disables /certs.
type CertSource func() CertReport

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func NewMux(agg *Aggregator, certs CertSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, agg.Snapshot())
	})
	if certs != nil {
		mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, certs())
		})
	}
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ch, cancel := agg.Subscribe()
		defer cancel()
		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b, _ := json.Marshal(ev)
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	})
	return mux
}
