package http

import (
	"encoding/json"
	"net/http"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

// streamSSE pumps snapshots from feed to the client as server-sent
// events until the client disconnects or the feed closes. Each snapshot
// is one `data:` frame holding its JSON encoding.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, feed <-chan T, stop store.UnsubscribeFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		stop()
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case snap, open := <-feed:
			if !open {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
