package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	openapiOnce sync.Once
	openapiDoc  *openapi3.T
	openapiErr  error
)

// OpenAPISpec returns the parsed and validated API description.
func OpenAPISpec() (*openapi3.T, error) {
	openapiOnce.Do(func() {
		doc, err := openapi3.NewLoader().LoadFromData(openapiYAML)
		if err != nil {
			openapiErr = fmt.Errorf("load openapi spec: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			openapiErr = fmt.Errorf("validate openapi spec: %w", err)
			return
		}
		openapiDoc = doc
	})
	return openapiDoc, openapiErr
}

// OpenAPI handles GET /openapi.json.
func (h *Handler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	doc, err := OpenAPISpec()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
