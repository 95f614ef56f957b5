// Package api provides a local REST API to control the activity monitor
package api

import (
	"context"
	"errors"
	"time"

	"github.com/fako1024/btmonitor/pkg/export"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/monitor"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultConnectTimeout = 15 * time.Second

// API denotes a REST API for an activity monitor
type API struct {
	controller monitor.Controller
	router     *fiber.App

	cfg            *tracker.Configuration
	registry       *prometheus.Registry
	connectTimeout time.Duration

	logger tracker.Logger
}

// Peripheral denotes the API representation of a known peripheral
type Peripheral struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	RSSI          int                 `json:"rssi"`
	State         string              `json:"state"`
	Compatibility string              `json:"compatibility,omitempty"`
	Services      map[string][]string `json:"services,omitempty"`
}

// Recording denotes the API response of a recording toggle
type Recording struct {
	Recording bool `json:"recording"`
}

// New instantiates a new API. If endpoint is not empty, the API starts to
// listen on it in the background
func New(c monitor.Controller, endpoint string, options ...func(*API)) *API {

	api := API{
		controller:     c,
		connectTimeout: defaultConnectTimeout,
		logger:         &tracker.NullLogger{},
	}

	for _, option := range options {
		option(&api)
	}

	api.router = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          api.handleError,
	})

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/peripherals", api.handlePeripherals())
	api.router.Post("/peripherals/:id/connect", api.handleConnect())
	api.router.Post("/peripherals/:id/disconnect", api.handleDisconnect())
	api.router.Post("/scan/start", api.handleStartScan())
	api.router.Post("/scan/stop", api.handleStopScan())
	api.router.Post("/recording/toggle", api.handleToggleRecording())
	api.router.Post("/recording/stop", api.handleStopRecording())
	api.router.Post("/session/reset", api.handleReset())
	api.router.Get("/user", api.handleGetUser())
	api.router.Put("/user", api.handleSetUser())
	api.router.Get("/export", api.handleExport())
	api.router.Post("/sync", api.handleSync())
	api.router.Get("/metrics", api.handleMetrics())

	// Start to listen in goroutine
	if endpoint != "" {
		go func() {
			if err := api.router.Listen(endpoint); err != nil {
				api.logger.Errorf("failed to serve API on %s: %s", endpoint, err)
			}
		}()
	}

	return &api
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*API) {
	return func(api *API) {
		api.logger = logger
	}
}

// WithConfiguration sets the tracker configuration used to report the
// compatibility of peripherals
func WithConfiguration(cfg tracker.Configuration) func(*API) {
	return func(api *API) {
		api.cfg = &cfg
	}
}

// WithRegistry exposes the metrics of a dedicated registry instead of the default one
func WithRegistry(registry *prometheus.Registry) func(*API) {
	return func(api *API) {
		api.registry = registry
	}
}

// WithConnectTimeout sets the maximum duration of a connect request
func WithConnectTimeout(timeout time.Duration) func(*API) {
	return func(api *API) {
		api.connectTimeout = timeout
	}
}

// App returns the underlying fiber application
func (api *API) App() *fiber.App {
	return api.router
}

// Shutdown gracefully stops the API
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status, err := api.controller.Status()
		if err != nil {
			return err
		}
		return c.JSON(status)
	}
}

func (api *API) handlePeripherals() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		records, err := api.controller.Peripherals()
		if err != nil {
			return err
		}

		res := make([]Peripheral, 0, len(records))
		for i := range records {
			r := &records[i]
			p := Peripheral{
				ID:       r.ID,
				Name:     r.DisplayName(),
				RSSI:     r.RSSI,
				State:    r.State.String(),
				Services: r.Services,
			}
			if api.cfg != nil {
				p.Compatibility = peripheral.CompatibilityOf(r, *api.cfg).String()
			}
			res = append(res, p)
		}

		return c.JSON(res)
	}
}

func (api *API) handleConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), api.connectTimeout)
		defer cancel()

		if err := api.controller.Connect(ctx, c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.Disconnect(c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleStartScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.StartScan(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleStopScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.StopScan(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleToggleRecording() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		recording, err := api.controller.Record(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(Recording{Recording: recording})
	}
}

func (api *API) handleStopRecording() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.Stop(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleReset() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.Reset(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleGetUser() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		user, err := api.controller.User()
		if err != nil {
			return err
		}
		return c.JSON(user)
	}
}

func (api *API) handleSetUser() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var user export.UserInfo
		if err := c.BodyParser(&user); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := api.controller.SetUser(user); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleExport() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		doc, err := api.controller.Export()
		if err != nil {
			return err
		}
		return c.JSON(doc)
	}
}

func (api *API) handleSync() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.controller.MarkSynced(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleMetrics() func(c *fiber.Ctx) error {
	if api.registry != nil {
		if err := metrics.Register(api.registry); err != nil {
			api.logger.Errorf("failed to register metrics: %s", err)
		}
		return adaptor.HTTPHandler(promhttp.HandlerFor(api.registry, promhttp.HandlerOpts{}))
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		api.logger.Errorf("failed to register metrics: %s", err)
	}
	return adaptor.HTTPHandler(promhttp.Handler())
}

func (api *API) handleError(c *fiber.Ctx, err error) error {
	code := statusCode(err)
	if code >= fiber.StatusInternalServerError {
		api.logger.Errorf("%s %s: %s", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusCode(err error) int {
	var (
		fiberErr      *fiber.Error
		notFound      *tracker.NotFoundError
		connErr       *tracker.ConnectionError
		discoveryErr  *tracker.DiscoveryError
		transportErr  *tracker.TransportError
		transitionErr *flow.InvalidTransitionError
	)

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.As(err, &notFound):
		return fiber.StatusNotFound
	case errors.Is(err, tracker.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.As(err, &connErr), errors.As(err, &discoveryErr), errors.As(err, &transportErr):
		return fiber.StatusBadGateway
	case errors.As(err, &transitionErr),
		errors.Is(err, monitor.ErrNotReady),
		errors.Is(err, monitor.ErrNoRecording),
		errors.Is(err, export.ErrNotStarted),
		errors.Is(err, export.ErrNotFinished):
		return fiber.StatusConflict
	case errors.Is(err, monitor.ErrClosed):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
