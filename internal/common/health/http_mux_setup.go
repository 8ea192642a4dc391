package health

import (
	"net/http"
)

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewCheckHttpHandler(checker))
}
