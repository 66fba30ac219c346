package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/internal/runtime/jsoncodec"
)

// Status is a point-in-time view of a broker.
type Status struct {
	NodeID         string               `json:"nodeId"`
	Backend        string               `json:"backend"`
	Stream         string               `json:"stream"`
	Storage        string               `json:"storage"`
	Destroyed      bool                 `json:"destroyed"`
	Subscriptions  []string             `json:"subscriptions"`
	Clients        []string             `json:"clients"`
	PendingExpiry  int                  `json:"pendingExpiry"`
	ConnectionRefs int                  `json:"connectionRefs"`
	Connection     string               `json:"connection"`
	Capabilities   backend.Capabilities `json:"capabilities"`
}

// Status reports the broker's current state.
func (b *Broker) Status() Status {
	shared := b.lease.Shared()
	return Status{
		NodeID:         b.nodeID,
		Backend:        b.conf.Backend,
		Stream:         b.conf.StreamName(),
		Storage:        b.conf.StorageName(),
		Destroyed:      b.isDestroyed(),
		Subscriptions:  b.Subscriptions(),
		Clients:        b.clients.IDs(),
		PendingExpiry:  b.clients.Pending(),
		ConnectionRefs: shared.Refs(),
		Connection:     shared.State().String(),
		Capabilities:   b.caps,
	}
}

// StatusHandler serves Status as JSON. Cross-origin reads are allowed for
// the listed origins; "*" allows any.
func (b *Broker) StatusHandler(allowedOrigins ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if origin := allowedCORSOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := jsoncodec.Marshal(b.Status())
		if err != nil {
			b.logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
