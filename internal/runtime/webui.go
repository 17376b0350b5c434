package runtime

import (
	"net/http"
	"strings"

	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/qdispatch/internal/runtime/logging"
	"github.com/drblury/qdispatch/transport"
)

// registerEndpoints mounts /health_check, /metrics and /api/handlers on the
// configured HTTP address. An empty address disables them.
func (s *Service) registerEndpoints() {
	if s.Conf == nil {
		return
	}
	addr := s.Conf.HTTPAddress()
	if addr == "" {
		return
	}

	s.RegisterHTTPHandler(addr, "/health_check", http.HandlerFunc(handleHealthCheck))
	if s.Conf.MetricsEnabled && s.metrics != nil {
		s.RegisterHTTPHandler(addr, "/metrics", s.metrics.Handler())
	}
	if s.Conf.WebUIEnabled {
		s.RegisterHTTPHandler(addr, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	}
}

func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success": true}`))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	infos := s.Handlers()
	s.refreshQueueDepths(infos)

	if err := jsoncodec.Encode(w, infos); err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// refreshQueueDepths asks the transport for the backlog of each source queue
// when it can report one.
func (s *Service) refreshQueueDepths(infos []*HandlerInfo) {
	introspector := s.queueIntrospector()
	if introspector == nil {
		return
	}
	for _, info := range infos {
		depth, err := introspector.GetPendingCount(info.SourceQueue)
		if err != nil {
			s.Logger.Debug("Queue depth unavailable", loggingpkg.LogFields{
				"source_queue": info.SourceQueue,
				"error":        err.Error(),
			})
			continue
		}
		info.Stats.setQueueDepth(depth)
	}
}

func (s *Service) queueIntrospector() transport.QueueIntrospector {
	for _, candidate := range []any{s.closer, s.subscriber, s.publisher} {
		if qi, ok := candidate.(transport.QueueIntrospector); ok {
			return qi
		}
	}
	return nil
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
