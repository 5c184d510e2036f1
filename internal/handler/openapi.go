package handler

import (
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/keysmith/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document for this server. The document
// depends only on startup options, so it is built once on first request.
type OpenAPIHandler struct {
	opts openapi.Options

	once sync.Once
	doc  *openapi3.T
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(opts openapi.Options) *OpenAPIHandler {
	return &OpenAPIHandler{opts: opts}
}

// ServeSpec returns the OpenAPI 3.1 document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		opts := h.opts
		if opts.BaseURL == "" {
			opts.BaseURL = requestBaseURL(r)
		}
		h.doc = openapi.Generate(opts)
	})
	writeJSON(w, http.StatusOK, h.doc)
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
