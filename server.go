package mapweb

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checking is left to a reverse proxy / CORS middleware
	},
}

// SetupRpcEndpoint registers both a WebSocket and an HTTP POST batch
// endpoint at path against the Echo instance, each backed by a fresh
// Session over bootstrap — the same dual-transport shape the teacher's
// server.go exposed, generalized from raw JSON dispatch to the hook/Target
// capability model. Sessions log through the standard library logger; use
// SetupRpcEndpointWithLogger to plug in a different one per connection.
func SetupRpcEndpoint(e *echo.Echo, path string, bootstrap Target) {
	SetupRpcEndpointWithLogger(e, path, bootstrap, func() *log.Logger { return log.Default() })
}

// SetupRpcEndpointWithLogger is SetupRpcEndpoint with a logger factory
// invoked once per WebSocket connection, letting a daemon tag each
// session's log lines distinctly (e.g. with a per-connection request id).
// HTTP POST batch requests do not call the factory; their sessions log
// through the standard library logger.
func SetupRpcEndpointWithLogger(e *echo.Echo, path string, bootstrap Target, newLogger func() *log.Logger) {
	e.GET(path, func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("mapweb: websocket upgrade error: %v", err)
			return err
		}
		defer conn.Close()

		sess := NewSession(NewWebSocketTransport(conn), bootstrap, newLogger())
		if err := sess.Run(c.Request().Context()); err != nil {
			log.Printf("mapweb: session ended: %v", err)
		}
		return nil
	})

	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "text/plain")
		defer c.Request().Body.Close()

		body, err := RunBatch(bootstrap, c.Request().Body)
		if err != nil {
			log.Printf("mapweb: batch session error: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error processing batch request")
		}
		return c.String(http.StatusOK, body)
	})
}

// SetupEchoServer creates and configures an Echo instance with the
// teacher's common middleware stack.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.HideBanner = true

	return e
}
