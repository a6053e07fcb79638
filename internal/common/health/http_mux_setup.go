package health

import "net/http"

// SetupHttpMux mounts the health endpoint on the given mux. Probes get 204
// while the checker passes and 503 with the failure text otherwise.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("GET /health", NewHealthCheckHttpHandler(checker))
}
