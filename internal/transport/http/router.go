package http

import (
	"embed"
	"html/template"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/mpesa-service/internal/config"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templates embed.FS

func NewRouter(h *Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.SetHTMLTemplate(template.Must(template.ParseFS(templates, "templates/*.html")))
	r.Use(RequestID())
	r.Use(LoggingMiddleware(log))
	r.Use(gin.Recovery())
	RegisterHandlers(r, h, RateLimitMiddleware(rl.RPS, rl.Burst))
	return r
}
