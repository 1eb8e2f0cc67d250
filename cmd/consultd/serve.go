package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/session"
	"github.com/arzzra/televisit/pkg/transport"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTP API менеджера сеансов и /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := newServer(a)
			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP сервер запущен")
				errCh <- srv.Start(cfg.HTTP.Addr)
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("HTTP сервер: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info().Msg("остановка сервера")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Session.TeardownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("HTTP сервер остановлен с ошибкой")
			}
			return a.manager.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "адрес HTTP сервера")
	return cmd
}

type handler struct {
	a *app
}

type createRequest struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	ProviderID     string    `json:"provider_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
}

type eventRequest struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type encryptionRequest struct {
	Active bool `json:"active"`
}

type errorResponse struct {
	Code    consultation.Code `json:"code"`
	Message string            `json:"message"`
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := a.logger.With().Str("component", "http").Logger()
	e.Use(recoverMiddleware(logger))
	e.Use(requestLogger(logger))

	h := &handler{a: a}
	e.GET("/healthz", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	g := e.Group("/consultations")
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.snapshot)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/history", h.history)
	g.POST("/:id/start", h.start)
	g.POST("/:id/end", h.end)
	g.POST("/:id/audio", h.toggle(transport.TrackAudio))
	g.POST("/:id/video", h.toggle(transport.TrackVideo))
	g.POST("/:id/events", h.event)
	g.PUT("/:id/encryption", h.encryption)
	g.PUT("/:id/sdp", h.remoteDescription)
	return e
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"consultations": len(h.a.manager.IDs()),
	})
}

func (h *handler) list(c echo.Context) error {
	ids := h.a.manager.IDs()
	out := make([]session.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := h.a.manager.Snapshot(id)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handler) create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "некорректное тело запроса")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ScheduledStart.IsZero() {
		req.ScheduledStart = time.Now()
	}

	cons := consultation.New(req.ID, req.PatientID, req.ProviderID, req.ScheduledStart)
	if err := h.a.register(cons); err != nil {
		return writeError(c, err)
	}
	return h.respondSnapshot(c, http.StatusCreated, req.ID)
}

func (h *handler) snapshot(c echo.Context) error {
	return h.respondSnapshot(c, http.StatusOK, c.Param("id"))
}

func (h *handler) respondSnapshot(c echo.Context, status int, id string) error {
	snap, err := h.a.manager.Snapshot(id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status, snap)
}

func (h *handler) history(c echo.Context) error {
	history, err := h.a.manager.History(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// start не привязан к соединению клиента: обрыв запроса не должен переводить
// консультацию в Error. Ожидание ограничивает параметр timeout.
func (h *handler) start(c echo.Context) error {
	id := c.Param("id")

	var opts []session.StartOption
	if raw := c.QueryParam("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("некорректный timeout %q", raw))
		}
		opts = append(opts, session.WithStartTimeout(timeout))
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.a.manager.Start(ctx, id, opts...); err != nil {
		return writeError(c, err)
	}
	return h.respondSnapshot(c, http.StatusOK, id)
}

func (h *handler) end(c echo.Context) error {
	id := c.Param("id")
	if err := h.a.manager.End(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return h.respondSnapshot(c, http.StatusOK, id)
}

func (h *handler) remove(c echo.Context) error {
	if err := h.a.remove(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) toggle(track transport.Track) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		var (
			enabled bool
			err     error
		)
		if track == transport.TrackVideo {
			enabled, err = h.a.manager.ToggleVideo(c.Request().Context(), id)
		} else {
			enabled, err = h.a.manager.ToggleAudio(c.Request().Context(), id)
		}
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

// event событие транспорта, для ручной проверки сценариев
func (h *handler) event(c echo.Context) error {
	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "некорректное тело запроса")
	}

	var kind transport.EventKind
	switch req.Kind {
	case transport.EventDisconnected.String():
		kind = transport.EventDisconnected
	case transport.EventEncryptionLost.String():
		kind = transport.EventEncryptionLost
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("неизвестное событие %q", req.Kind))
	}

	ev := transport.Event{Kind: kind, Detail: req.Detail, At: time.Now()}
	if err := h.a.manager.HandleTransportEvent(c.Param("id"), ev); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// encryption меняет ответ симулированного источника шифрования
func (h *handler) encryption(c echo.Context) error {
	var req encryptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "некорректное тело запроса")
	}
	h.a.validator.SetEncrypted(c.Param("id"), req.Active)
	return c.NoContent(http.StatusNoContent)
}

// remoteDescription принимает SDP после повторного согласования медиа.
// Следующая compliance проверка учитывает новое описание.
func (h *handler) remoteDescription(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.a.manager.Snapshot(id); err != nil {
		return writeError(c, err)
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "некорректное тело запроса")
	}
	if err := h.a.sdp.SetRemoteDescription(id, raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// writeError переводит код ошибки ядра в HTTP статус
func writeError(c echo.Context, err error) error {
	code := session.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownConsultation):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRegistered):
		status = http.StatusConflict
	case code == consultation.CodeInvalidStatus:
		status = http.StatusConflict
	case code == consultation.CodeSecurityViolation:
		status = http.StatusForbidden
	case code == consultation.CodeNetworkError:
		status = http.StatusBadGateway
	case code == consultation.CodeTimeout:
		status = http.StatusGatewayTimeout
	case code == consultation.CodeExhausted:
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, errorResponse{Code: code, Message: err.Error()})
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Debug()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

func recoverMiddleware(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					logger.Error().
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
