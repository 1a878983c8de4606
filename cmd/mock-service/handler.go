package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxEchoBody limita o corpo ecoado no POST.
const maxEchoBody = 1 << 20

type echoResponse struct {
	Service string  `json:"service"`
	Path    string  `json:"path"`
	Method  string  `json:"method"`
	Query   any     `json:"query,omitempty"`
	Body    *string `json:"body,omitempty"`
}

func newHandler(service string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		// último valor vence quando a chave se repete
		q := make(map[string]string)
		for k, vv := range r.URL.Query() {
			q[k] = vv[len(vv)-1]
		}
		writeEcho(w, logger, echoResponse{
			Service: service,
			Path:    strings.TrimPrefix(r.URL.Path, "/"),
			Method:  http.MethodGet,
			Query:   q,
		})
	})

	r.Post("/*", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxEchoBody))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		body := string(raw)
		if !utf8.Valid(raw) {
			body = fmt.Sprintf("%q", raw)
		}
		writeEcho(w, logger, echoResponse{
			Service: service,
			Path:    strings.TrimPrefix(r.URL.Path, "/"),
			Method:  http.MethodPost,
			Body:    &body,
		})
	})

	return r
}

func writeEcho(w http.ResponseWriter, logger *zap.Logger, resp echoResponse) {
	logger.Debug("echo", zap.String("method", resp.Method), zap.String("path", resp.Path))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("write echo response", zap.Error(err))
	}
}
