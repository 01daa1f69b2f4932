package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to the Hub.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Dashboards are served from arbitrary origins on the local network.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// Blocks until the connection closes.
	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}
