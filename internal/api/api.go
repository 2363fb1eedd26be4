// Package api contains the API server.
package api //nolint:revive

import (
	"fmt"
	"net/http"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/gin-gonic/gin"

	"github.com/the5gs/arstreamer/internal/conf"
	"github.com/the5gs/arstreamer/internal/defs"
	"github.com/the5gs/arstreamer/internal/httpp"
	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/session"
	"github.com/the5gs/arstreamer/internal/synchronizer"
)

type apiSession interface {
	Status() session.Status
}

type apiSynchronizer interface {
	Stats() synchronizer.Stats
}

type apiResults interface {
	Latest() defs.APIResults
}

type apiParent interface {
	logger.Writer
	APISessionStart() error
	APISessionComplete()
}

// API is an API server.
type API struct {
	Version      string
	Started      time.Time
	Address      string
	ReadTimeout  conf.Duration
	WriteTimeout conf.Duration
	Session      apiSession
	Synchronizer apiSynchronizer
	Results      apiResults
	Parent       apiParent

	httpServer *httpp.Server
}

// Initialize initializes API.
func (a *API) Initialize() error {
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck

	router.Use(a.middlewarePreflightRequests)

	group := router.Group("/v1")

	group.GET("/info", a.onInfo)

	group.GET("/session", a.onSessionGet)
	group.POST("/session/start", a.onSessionStart)
	group.POST("/session/complete", a.onSessionComplete)

	group.GET("/synchronizer", a.onSynchronizerGet)

	group.GET("/results", a.onResultsGet)

	a.httpServer = &httpp.Server{
		Address:      a.Address,
		ReadTimeout:  time.Duration(a.ReadTimeout),
		WriteTimeout: time.Duration(a.WriteTimeout),
		Handler:      router,
		Parent:       a,
	}
	err := a.httpServer.Initialize()
	if err != nil {
		return err
	}

	a.Log(logger.Info, "listener opened on "+a.Address)

	return nil
}

// Close closes the API.
func (a *API) Close() {
	a.Log(logger.Info, "listener is closing")
	a.httpServer.Close()
}

// Log implements logger.Writer.
func (a *API) Log(level logger.Level, format string, args ...any) {
	a.Parent.Log(level, "[API] "+format, args...)
}

func (a *API) writeError(ctx *gin.Context, status int, err error) {
	// show error in logs
	a.Log(logger.Error, err.Error())

	// add error to response
	ctx.JSON(status, &defs.APIError{
		Status: "error",
		Error:  err.Error(),
	})
}

func (a *API) writeOK(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, &defs.APIOK{Status: "ok"})
}

func (a *API) middlewarePreflightRequests(ctx *gin.Context) {
	if ctx.Request.Method == http.MethodOptions &&
		ctx.Request.Header.Get("Access-Control-Request-Method") != "" {
		ctx.Header("Access-Control-Allow-Methods", "OPTIONS, GET, POST")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		ctx.AbortWithStatus(http.StatusNoContent)
		return
	}
}

func (a *API) onInfo(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, &defs.APIInfo{
		Version: a.Version,
		Started: a.Started,
	})
}

func (a *API) onSessionGet(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, a.Session.Status())
}

func (a *API) onSessionStart(ctx *gin.Context) {
	err := a.Parent.APISessionStart()
	if err != nil {
		a.writeError(ctx, http.StatusInternalServerError, fmt.Errorf("unable to start session: %w", err))
		return
	}

	st := a.Session.Status()
	a.Log(logger.Info, "session %s started", st.SessionID)

	ctx.JSON(http.StatusOK, st)
}

func (a *API) onSessionComplete(ctx *gin.Context) {
	st := a.Session.Status()

	a.Parent.APISessionComplete()

	if st.SessionID != "" {
		a.Log(logger.Info, "session %s completed, %s sent", st.SessionID, bytefmt.ByteSize(st.BytesSent))
	}

	a.writeOK(ctx)
}

func (a *API) onSynchronizerGet(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, a.Synchronizer.Stats())
}

func (a *API) onResultsGet(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, a.Results.Latest())
}
