package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/smartrouter/smartrouter/internal/events"
)

// SSEHandler streams gateway events (routing, failover, blacklist, health,
// discovery) to admin clients over Server-Sent Events. An optional ?types=
// parameter narrows the stream to a comma-separated set of event types.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "no_streaming", "streaming unsupported")
			return
		}

		var wanted map[events.EventType]bool
		if raw := r.URL.Query().Get("types"); raw != "" {
			wanted = make(map[events.EventType]bool)
			for _, t := range strings.Split(raw, ",") {
				wanted[events.EventType(strings.TrimSpace(t))] = true
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				if wanted != nil && !wanted[e.Type] {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
