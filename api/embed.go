// Package api carries the embedded OpenAPI document for the broker's public
// surface.
package api

import _ "embed"

// OpenAPISpec is served at GET /openapi.yaml on the API listener.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
