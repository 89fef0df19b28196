package http

import "net/http"

// Routes wires the handlers behind the CORS and request logging middleware.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/wms", h.HandleMap)
	mux.HandleFunc("/api/layers", h.HandleLayers)
	mux.HandleFunc("/api/layers/", h.HandleLayerByID)
	mux.HandleFunc("/api/rescan", h.HandleRescan)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/{$}", h.HandleMap)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}
