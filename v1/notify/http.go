package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

// filterFromRequest reads the optional "type" query parameter.
func filterFromRequest(r *http.Request) (ChangeType, error) {
	v := r.URL.Query().Get("type")
	if v == "" {
		return "", nil
	}
	return ParseChangeType(v)
}

// SSEHandler streams change events over Server-Sent Events. The optional
// "type" query parameter restricts the stream to one change type.
func SSEHandler(n *Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := n.Subscribe(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		metrics.StreamGauge.Inc()
		defer metrics.StreamGauge.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if filter != "" && ev.Type != filter {
					continue
				}
				msg, err := Encode(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams change events over WebSocket, one JSON text
// message per event. The optional "type" query parameter filters as in
// SSEHandler.
func WebSocketHandler(n *Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := filterFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := n.Subscribe(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		metrics.StreamGauge.Inc()
		defer metrics.StreamGauge.Dec()

		// Reads only detect the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if filter != "" && ev.Type != filter {
					continue
				}
				msg, err := Encode(ev)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
