package http

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wmsgate/internal/config"
	"wmsgate/internal/layer_list"
	"wmsgate/internal/wms"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *layer_list.Scanner
	renderer *wms.Renderer
}

func New(config *config.Config, logger *zap.Logger, scanner *layer_list.Scanner, renderer *wms.Renderer) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("layers", r.URL.Query().Get("layers")),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin == "" {
				allowedOrigin = "*"
			} else if strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Blank-Tiles")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleMap serves GetMap requests. Case-insensitive query keys.
func (h *Handlers) HandleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := wms.ParamsFromQuery(r.URL.Query())
	resp, err := h.renderer.Render(r.Context(), h.scanner.Registry(), params, nil)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Code == http.StatusOK {
		w.Header().Set("ETag", `"`+resp.Headers["etag"]+`"`)
		if match := r.Header.Get("If-None-Match"); match != "" && match == w.Header().Get("ETag") {
			w.Header().Del("Content-Length")
			w.WriteHeader(http.StatusNotModified)
			return
		}
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	w.WriteHeader(resp.Code)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(resp.Data)
}

type serviceExceptionReport struct {
	XMLName   xml.Name           `xml:"ServiceExceptionReport"`
	Version   string             `xml:"version,attr"`
	Exception []serviceException `xml:"ServiceException"`
}

type serviceException struct {
	Code    string `xml:"code,attr"`
	Locator string `xml:"locator,attr,omitempty"`
	Message string `xml:",chardata"`
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var se *wms.ServiceError
	if !errors.As(err, &se) {
		se = &wms.ServiceError{Code: wms.CodeNoApplicableCode, Message: "internal error", Err: err}
	}

	status := http.StatusBadRequest
	if se.Code == wms.CodeNoApplicableCode {
		status = http.StatusInternalServerError
	}

	report := serviceExceptionReport{
		Version:   "1.1.1",
		Exception: []serviceException{{Code: se.Code, Locator: se.Locator, Message: se.Message}},
	}
	body, merr := xml.MarshalIndent(report, "", "  ")
	if merr != nil {
		h.logger.Error("Failed to encode service exception", zap.Error(merr))
		http.Error(w, se.Message, status)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	layers := h.scanner.GetLayers()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(layers)
}

func (h *Handlers) HandleLayerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/layers/"), "/")
	info := h.scanner.GetLayerByID(id)
	if info == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// HandleRescan reloads the archives and the layers file.
func (h *Handlers) HandleRescan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.scanner.Scan(r.Context()); err != nil {
		h.logger.Error("Rescan failed", zap.Error(err))
		http.Error(w, "Rescan failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"layers": len(h.scanner.GetLayers())})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
