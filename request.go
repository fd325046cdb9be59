package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-engine/server"
)

// maxFormBytes caps the token request body
const maxFormBytes = 64 << 10

// HTTPRequest adapts *http.Request to server.Request. Form only reads the request
// body, never the query string.
type HTTPRequest struct {
	r *http.Request
}

var _ server.Request = (*HTTPRequest)(nil)

// NewHTTPRequest parses the request form and wraps r
func NewHTTPRequest(r *http.Request) (*HTTPRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	return &HTTPRequest{r: r}, nil
}

func (h *HTTPRequest) Method() string { return h.r.Method }

func (h *HTTPRequest) Query(key string) string { return h.r.URL.Query().Get(key) }

func (h *HTTPRequest) Form(key string) string { return h.r.PostForm.Get(key) }

func (h *HTTPRequest) Header(key string) string { return h.r.Header.Get(key) }

func (h *HTTPRequest) Cookie(key string) string {
	c, err := h.r.Cookie(key)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *HTTPRequest) BasicAuth() (string, string, bool) { return h.r.BasicAuth() }
