package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicportal/internal/config"
	"clinicportal/internal/middleware"
	"clinicportal/internal/models"
	"clinicportal/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type UserLister interface {
	List(ctx context.Context, limit int, offset int) ([]models.User, error)
}

type Deps struct {
	Log      zerolog.Logger
	Config   *config.AppConfig
	Auth     *service.AuthService
	Users    UserLister
	DB       Pinger
	Cache    *redis.Client
	Gatherer prometheus.Gatherer
}

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	authService *service.AuthService
	users       UserLister
	db          Pinger
	cache       *redis.Client
	metrics     http.Handler
}

func NewHandlerSet(deps Deps) HandlerSet {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return HandlerSet{
		log:         deps.Log,
		cfg:         deps.Config,
		authService: deps.Auth,
		users:       deps.Users,
		db:          deps.DB,
		cache:       deps.Cache,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(h.metrics))

	auth := router.Group("/auth")
	{
		auth.POST("/login", h.Login)
		auth.POST("/logout", h.Logout)
		auth.GET("/me", middleware.Auth(h.cfg, h.authService), h.Me)
	}

	admin := router.Group("/v1/admin")
	admin.Use(
		middleware.Auth(h.cfg, h.authService),
		middleware.RequireRoles(models.RoleAdmin),
	)
	admin.GET("/users", h.AdminListUsers)
}
