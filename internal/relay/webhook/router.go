package webhook

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// NewRouter registers the gateway routes.
func NewRouter(h *Handler) *httprouter.Router {
	router := httprouter.New()

	router.GET("/", h.Health)
	router.POST("/webhook/webhook", h.Webhook)

	// a panicking request must not take the process down
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		h.logger.Error("recovered from panic", zap.String("path", r.URL.Path), zap.Any("panic", v))
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "internal error"})
	}

	return router
}
