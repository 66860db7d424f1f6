package transaction

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	relay *Relay
}

func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

// RegisterRoutes mounts POST /transaction. mw runs only on that route.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/transaction", h.CreateTransaction, mw...)
}

// CreateTransaction relays one financial transaction. Every outcome is a
// plain-text body; the status comes from the stage that stopped the relay.
func (h *Handler) CreateTransaction(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.String(http.StatusBadRequest, (&ValidationError{Kind: KindMalformed, Err: err}).Error())
	}

	rid, _ := c.Get("request_id").(string)
	ctx := c.Request().Context()

	if _, err := h.relay.Process(ctx, rid, body); err != nil {
		// Let the timeout middleware answer for a request that ran out of time.
		if ctx.Err() != nil {
			return err
		}
		var f *Failure
		if errors.As(err, &f) {
			return c.String(f.Status, f.Message)
		}
		return c.String(http.StatusInternalServerError, MsgInternalError)
	}
	return c.String(http.StatusOK, MsgSuccess)
}
