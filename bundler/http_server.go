package bundler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type HttpErrorResp struct {
	Error *rpcerr.Error `json:"error"`
}

func (b *Bundler) startHttpServer(ctx context.Context) {
	if b.config.HttpBindAddress == "" {
		b.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}

	e := b.newEcho()
	b.httpServer = e

	addr := b.config.HttpBindAddress
	b.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Warn("HTTP server failed to start; continuing without HTTP endpoint", "address", addr, "error", err)
		}
	})
}

func (b *Bundler) stopHttpServer() {
	if b.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		b.logger.Warn("HTTP server shutdown failed", "err", err)
	}
}

func (b *Bundler) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	// Register Sentry before Recover so panics are reported
	if b.sentryEnabled {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if b.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"version": version.Get(), "commit": version.Commit()},
		})
	})

	if b.registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))
	}

	e.POST("/userop", b.handleSendUserOp)
	e.POST("/bundle", b.handleSendBundle)

	debug := e.Group("/debug")
	debug.GET("/mempool", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[any]{Data: b.DumpMempool()})
	})
	debug.DELETE("/mempool", func(c echo.Context) error {
		b.ClearMempool()
		return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: "ok"})
	})
	debug.GET("/mempool/overloaded", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[bool]{Data: b.IsOverloaded()})
	})
	debug.GET("/reputation", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[any]{Data: b.DumpReputation()})
	})
	debug.POST("/reputation", b.handleSetReputation)
	debug.DELETE("/reputation", func(c echo.Context) error {
		b.ClearReputation()
		return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: "ok"})
	})

	return e
}

func (b *Bundler) handleSendUserOp(c echo.Context) error {
	var wire userop.Wire
	if err := c.Bind(&wire); err != nil {
		return errorResponse(c, rpcerr.Newf(rpcerr.InvalidFields, "cannot decode userop: %v", err))
	}
	op, err := wire.ToUserOperation()
	if err != nil {
		return errorResponse(c, rpcerr.New(rpcerr.InvalidFields, err.Error()))
	}

	hash, err := b.Admit(c.Request().Context(), op)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: hash.Hex()})
}

func (b *Bundler) handleSendBundle(c echo.Context) error {
	drainAll := false
	if v := c.QueryParam("drain"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return errorResponse(c, rpcerr.Newf(rpcerr.InvalidFields, "invalid drain flag %q", v))
		}
		drainAll = parsed
	}

	res, err := b.SendNextBundle(c.Request().Context(), drainAll)
	if err != nil {
		return errorResponse(c, rpcerr.New(rpcerr.InternalError, err.Error()))
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[any]{Data: res})
}

func (b *Bundler) handleSetReputation(c echo.Context) error {
	var raw []map[string]interface{}
	if err := c.Bind(&raw); err != nil {
		return errorResponse(c, rpcerr.Newf(rpcerr.InvalidFields, "cannot decode reputation entries: %v", err))
	}
	if err := b.SetReputation(raw); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: "ok"})
}

func errorResponse(c echo.Context, err error) error {
	var re *rpcerr.Error
	if !errors.As(err, &re) {
		re = rpcerr.New(rpcerr.InternalError, err.Error())
	}

	status := http.StatusBadRequest
	if re.Code == rpcerr.InternalError {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, &HttpErrorResp{Error: re})
}
