package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/storage"
	"github.com/qudata/fleet-agent/internal/updater"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// StateSource exposes the persisted lifecycle state.
type StateSource interface {
	AgentID() (string, error)
	State() (domain.AgentState, error)
	Flags() map[domain.Flag]bool
}

// Lifecycle restarts the handshake.
type Lifecycle interface {
	Reinit(ctx context.Context) error
}

// Operations lists and looks up operations.
type Operations interface {
	List() []operation.Info
	InProgress() []operation.Info
	Get(id string) (*operation.Operation, bool)
}

// Messages is the message log.
type Messages interface {
	List(ctx context.Context, f storage.Filter) ([]*storage.Record, error)
	Get(ctx context.Context, id string) (*storage.Record, error)
	MarkUnhandled(ctx context.Context, id string) error
}

// Updater starts self-updates.
type Updater interface {
	Update(ctx context.Context, async bool) (*operation.Operation, error)
	Status() (updater.Status, error)
}

type statusResponse struct {
	Version    string               `json:"version"`
	ServerID   string               `json:"server_id"`
	AgentID    string               `json:"agent_id,omitempty"`
	State      domain.AgentState    `json:"state"`
	Flags      map[domain.Flag]bool `json:"flags"`
	InProgress []operation.Info     `json:"operations_in_progress"`
	Update     *updater.Status      `json:"update,omitempty"`
}

type messageDetails struct {
	*storage.Record
	Meta map[string]string `json:"meta,omitempty"`
	Body message.Body      `json:"body,omitempty"`
}

// API serves the control endpoints.
type API struct {
	version    string
	serverID   string
	state      StateSource
	lifecycle  Lifecycle
	operations Operations
	messages   Messages
	updater    Updater
	logger     *slog.Logger
}

func NewAPI(version, serverID string, state StateSource, lifecycle Lifecycle, operations Operations, messages Messages, updater Updater, logger *slog.Logger) *API {
	return &API{
		version:    version,
		serverID:   serverID,
		state:      state,
		lifecycle:  lifecycle,
		operations: operations,
		messages:   messages,
		updater:    updater,
		logger:     logger,
	}
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) status(c *gin.Context) {
	st, err := a.state.State()
	if err != nil {
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	resp := statusResponse{
		Version:    a.version,
		ServerID:   a.serverID,
		State:      st,
		Flags:      a.state.Flags(),
		InProgress: a.operations.InProgress(),
	}
	if id, err := a.state.AgentID(); err == nil {
		resp.AgentID = id
	} else {
		a.logger.Warn("cannot read agent id", "err", err)
	}
	if us, err := a.updater.Status(); err == nil {
		resp.Update = &us
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: resp})
}

func (a *API) reinit(c *gin.Context) {
	// the handshake outlives the request
	if err := a.lifecycle.Reinit(context.WithoutCancel(c.Request.Context())); err != nil {
		a.logger.Error("reinit failed", "err", err)
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) update(c *gin.Context) {
	op, err := a.updater.Update(c.Request.Context(), true)
	if err != nil {
		var denied domain.ErrUpdateDenied
		var busy domain.ErrOperationInProgress
		if errors.As(err, &denied) || errors.As(err, &busy) {
			c.JSON(http.StatusConflict, response{Ok: false, Error: err.Error()})
			return
		}
		a.logger.Error("self-update failed", "err", err)
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, response{Ok: true, Data: op.Snapshot()})
}

func (a *API) listOperations(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true, Data: a.operations.List()})
}

func (a *API) getOperation(c *gin.Context) {
	op, ok := a.operations.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: "operation not found"})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: op.Snapshot()})
}

func (a *API) cancelOperation(c *gin.Context) {
	op, ok := a.operations.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: "operation not found"})
		return
	}
	op.Cancel()
	a.logger.Info("operation cancel requested", "operation", op.Name, "operation_id", op.ID)
	c.JSON(http.StatusAccepted, response{Ok: true, Data: op.Snapshot()})
}

func (a *API) listMessages(c *gin.Context) {
	f := storage.Filter{
		Name:      c.Query("name"),
		Direction: message.Direction(c.Query("direction")),
	}
	if v := c.Query("handled"); v != "" {
		handled, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, response{Ok: false, Error: "handled must be a boolean"})
			return
		}
		f.Handled = &handled
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, response{Ok: false, Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = limit
	}

	records, err := a.messages.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: records})
}

func (a *API) getMessage(c *gin.Context) {
	r, err := a.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.messageError(c, err)
		return
	}
	details := messageDetails{Record: r}
	if m, err := r.Message(); err == nil {
		details.Meta = m.Meta
		details.Body = m.Body
	} else {
		a.logger.Warn("cannot decode stored message", "id", r.ID, "err", err)
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: details})
}

func (a *API) markUnhandled(c *gin.Context) {
	if err := a.messages.MarkUnhandled(c.Request.Context(), c.Param("id")); err != nil {
		a.messageError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) messageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
}
