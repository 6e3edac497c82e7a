package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/koochoy97/leaf-microservice/internal/api/cleanup"
	"github.com/koochoy97/leaf-microservice/internal/api/documents"
	"github.com/koochoy97/leaf-microservice/internal/api/gen"
	"github.com/koochoy97/leaf-microservice/internal/api/uploads"
	"github.com/koochoy97/leaf-microservice/internal/api/videos"
	"github.com/koochoy97/leaf-microservice/internal/http/websocket"
	"github.com/koochoy97/leaf-microservice/internal/render"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

var log = logger.Get("API")

const HealthMessage = "Leaf Services API running"

type (
	RestConfig struct {
		HostAddr     string   `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		BodyLimit    string   `yaml:"body_limit" env:"API_BODY_LIMIT" env-default:"256M"`
		CORSOrigins  []string `yaml:"cors_origins" env:"API_CORS_ORIGINS" env-separator:"," env-default:"*"`
		FromURLRate  float64  `yaml:"from_url_rate" env:"API_FROM_URL_RATE" env-default:"0.5"`
		FromURLBurst int      `yaml:"from_url_burst" env:"API_FROM_URL_BURST" env-default:"3"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// IngestService represents a union of the ingest operations required
	// by the controllers
	IngestService interface {
		uploads.Service
		cleanup.Service
	}

	// Dependencies are the collaborators the gateway routes requests to.
	// The renderers are optional.
	Dependencies struct {
		Ingest    IngestService
		Streamer  videos.Server
		Metrics   http.Handler
		FrameDir  string
		Templates render.TemplateRenderer
		Repeater  render.BlockRepeater
		HTML      render.HTMLRenderer
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Leaf exposes and to manage ongoing web socket connections.
	RestGateway struct {
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		uploadController   controller
		videoController    controller
		cleanupController  controller
		documentController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(config *RestConfig, deps Dependencies) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.HTTPErrorHandler = gen.GetHTTPErrorHandler(ec.DefaultHTTPErrorHandler)

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		config:             config,
		ec:                 ec,
		socket:             socket,
		uploadController:   uploads.New(validate, deps.Ingest, newFromURLLimiter(config)),
		videoController:    videos.New(deps.Streamer),
		cleanupController:  cleanup.New(validate, deps.Ingest),
		documentController: documents.New(validate, deps.Templates, deps.Repeater, deps.HTML),
	}

	ec.Pre(middleware.RemoveTrailingSlash())
	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: config.CORSOrigins}))
	if config.BodyLimit != "" {
		ec.Use(middleware.BodyLimit(config.BodyLimit))
	}

	ec.GET("/", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"message": HealthMessage})
	})
	ec.GET("/activity/ws", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})
	if deps.Metrics != nil {
		ec.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}
	if deps.FrameDir != "" {
		ec.Static("/frames", deps.FrameDir)
	}

	root := ec.Group("")
	gateway.uploadController.SetRoutes(root)
	gateway.documentController.SetRoutes(root)

	gateway.videoController.SetRoutes(ec.Group("/videos"))
	gateway.cleanupController.SetRoutes(ec.Group("/cleanup"))

	return gateway
}

// newFromURLLimiter limits how often a single client may ask the service
// to download remote media. A non-positive rate disables the limit.
func newFromURLLimiter(config *RestConfig) echo.MiddlewareFunc {
	if config.FromURLRate <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(config.FromURLRate),
		Burst:     config.FromURLBurst,
		ExpiresIn: 3 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(ec echo.Context) (string, error) {
			return ec.RealIP(), nil
		},
		ErrorHandler: func(ec echo.Context, err error) error {
			return gen.APIError{Status: http.StatusForbidden, Code: "RATE_LIMIT_IDENTIFIER", Message: "client could not be identified"}
		},
		DenyHandler: func(ec echo.Context, identifier string, err error) error {
			return gen.APIError{Status: http.StatusTooManyRequests, Code: "RATE_LIMITED", Message: "too many remote ingest requests, try again later"}
		},
	})
}

// WithActivityState sets the payload sent to activity socket clients when
// they connect, and in reply to their STATUS command.
func (gateway *RestGateway) WithActivityState(state func() map[string]any) {
	gateway.socket.WithConnectionCallback(state)
	gateway.socket.BindCommand("STATUS", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		hub.Send(message.FormReply("COMMAND_SUCCESS", state(), websocket.Response))
		return nil
	})
}

// Send pushes a message to the activity socket clients.
func (gateway *RestGateway) Send(message *websocket.SocketMessage) {
	gateway.socket.Send(message)
}

// ActivityClients returns the number of connected activity socket clients.
func (gateway *RestGateway) ActivityClients() int {
	return gateway.socket.Clients()
}

func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "REST gateway listening on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ec.Shutdown(shutdownCtx); err != nil {
			log.Emit(logger.WARNING, "Graceful shutdown of REST gateway failed, closing: %v\n", err)
			ec.Close()
		}
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
