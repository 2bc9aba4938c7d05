package api

import (
	"bytes"
	"net/http"
	"time"
)

// cachedResponse is a replayable 2xx outcome held in the LRU in front of the
// idempotency table.
type cachedResponse struct {
	Status int
	Body   []byte
}

// idempotencyMiddleware gives keyed creation requests at-most-once effect.
// A hit replays the stored response verbatim with no side effects. On a miss
// the key is reserved first; the reservation insert is the atomic arbitration
// point, so two requests racing the same key can never both create a task.
// Only 2xx outcomes are stored: a failed request releases the key so the
// client can correct and retry under it.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		tenant := TenantFromContext(r.Context())
		cacheKey := tenant + "\x00" + key

		if cached, ok := s.idemCache.Get(cacheKey); ok {
			replay(w, cached)
			return
		}
		if rec, err := s.store.GetIdempotency(r.Context(), tenant, key); err == nil && rec != nil && rec.Status != nil {
			cached := cachedResponse{Status: *rec.Status, Body: rec.Body}
			s.idemCache.Add(cacheKey, cached)
			replay(w, cached)
			return
		}

		reserved, err := s.store.ReserveIdempotency(r.Context(), tenant, key)
		if err != nil {
			s.logger.Error().Err(err).Msg("reserve idempotency key")
			writeError(w, http.StatusInternalServerError, "internal_error", "idempotency store failure")
			return
		}
		if !reserved {
			// Another request holds the reservation. Wait briefly for its
			// outcome, then replay it.
			if cached, ok := s.awaitWinner(r, tenant, key); ok {
				s.idemCache.Add(cacheKey, cached)
				replay(w, cached)
				return
			}
			writeError(w, http.StatusConflict, "idempotency_in_flight",
				"a request with this Idempotency-Key is still in progress")
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			if err := s.store.CompleteIdempotency(r.Context(), tenant, key, rec.status, rec.buf.Bytes()); err != nil {
				s.logger.Error().Err(err).Msg("store idempotency outcome")
				// Release the key rather than leave the reservation wedged
				// in-flight until the retention purge.
				if derr := s.store.DeleteIdempotency(r.Context(), tenant, key); derr != nil {
					s.logger.Error().Err(derr).Msg("release idempotency key")
				}
				return
			}
			s.idemCache.Add(cacheKey, cachedResponse{Status: rec.status, Body: rec.buf.Bytes()})
			return
		}
		if err := s.store.DeleteIdempotency(r.Context(), tenant, key); err != nil {
			s.logger.Error().Err(err).Msg("release idempotency key")
		}
	})
}

func (s *Server) awaitWinner(r *http.Request, tenant, key string) (cachedResponse, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-r.Context().Done():
			return cachedResponse{}, false
		case <-time.After(100 * time.Millisecond):
		}
		rec, err := s.store.GetIdempotency(r.Context(), tenant, key)
		if err != nil {
			return cachedResponse{}, false
		}
		if rec == nil {
			// Winner failed and released the key; caller restarts cleanly.
			return cachedResponse{}, false
		}
		if rec.Status != nil {
			return cachedResponse{Status: *rec.Status, Body: rec.Body}, true
		}
	}
	return cachedResponse{}, false
}

func replay(w http.ResponseWriter, cached cachedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

// responseRecorder tees the handler's response so a 2xx body can be stored
// for replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	buf         bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}
