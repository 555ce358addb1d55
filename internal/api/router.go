package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter serves the chat, wallet and payment routes next to the memory,
// persona and reward routes on one listener.
func NewRouter(chatDeps ChatDeps, appDeps AppDeps) http.Handler {
	chatHandler := NewChatHandler(chatDeps)
	appHandler := NewAppHandler(appDeps)

	r := chi.NewRouter()
	r.Handle("/health", chatHandler)
	r.Handle("/v1/*", chatHandler)
	r.Handle("/*", appHandler)
	return r
}
