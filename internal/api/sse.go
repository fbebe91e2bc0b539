package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It streams server-sent events for the job until it finishes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}

	// Subscribe before reading the state we report, so a job finishing in
	// between is seen either here or on the channel.
	ch := h.queue.Subscribe(id)
	defer h.queue.Unsubscribe(id, ch)

	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j)
		return
	}
	writeSSEEvent(w, flusher, "status", j)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
