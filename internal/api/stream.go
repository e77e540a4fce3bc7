package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"Witnet/internal/logger"
)

// keepAlive is the interval of comment lines on an idle stream.
const keepAlive = 15 * time.Second

// handleStream handles GET /proofs/stream: finalized proofs as server-sent events.
// A client too slow to keep up misses proofs and can fetch them by id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not available")
		return
	}

	rc := http.NewResponseController(w)

	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	proofs, cancel := s.opts.Stream.Subscribe(streamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return
	}

	logger.Debug("proof stream opened", "remote", r.RemoteAddr)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case p, ok := <-proofs:
			if !ok {
				return
			}

			data, err := json.Marshal(s.renderProof(p))
			if err != nil {
				return
			}

			if _, err := fmt.Fprintf(w, "event: proof\nid: %d\ndata: %s\n\n", p.RequestID, data); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}
