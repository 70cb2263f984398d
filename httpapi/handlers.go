package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/db"
	"eve.evalgo.org/engine"
	"eve.evalgo.org/engineerr"
	"eve.evalgo.org/workflow"
)

// Handlers holds the service dependencies the Submission API needs,
// mirroring the teacher's api.Handlers grouping (one struct of service
// dependencies, one method per route).
type Handlers struct {
	Engine *engine.Engine
	Store  db.Store
	Hub    *Hub
	Log    logrus.FieldLogger
}

type createInstanceRequest struct {
	Definition workflow.Ref           `json:"definition"`
	Inputs     map[string]interface{} `json:"inputs"`
	ExternalID string                 `json:"externalId,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
}

type instanceResponse struct {
	ID         string                 `json:"id"`
	Definition workflow.Ref           `json:"definition"`
	Status     engine.InstanceStatus  `json:"status"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Outputs    interface{}            `json:"outputs,omitempty"`
	ErrorKind  string                 `json:"errorKind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Nodes      []*engine.NodeInstance `json:"nodes,omitempty"`
}

func toInstanceResponse(inst *engine.Instance, nodes []*engine.NodeInstance) instanceResponse {
	resp := instanceResponse{
		ID: inst.ID, Definition: inst.Definition, Status: inst.Status,
		Inputs: inst.InputData, ErrorKind: inst.ErrorKind, Error: inst.ErrorMessage, Nodes: nodes,
	}
	if inst.ContextData != nil {
		resp.Outputs = inst.ContextData["outputs"]
	}
	return resp
}

// CreateInstance handles POST /v1/instances — Submission API's
// CreateInstance(definition ref, inputs, opts) (§6).
func (h *Handlers) CreateInstance(c echo.Context) error {
	var req createInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Definition.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition.name is required")
	}

	inst, err := h.Engine.Submit(c.Request().Context(), req.Definition, req.Inputs, req.ExternalID, req.Priority)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusCreated, toInstanceResponse(inst, nil))
}

// StartInstance handles POST /v1/instances/:id/start. Run drives the
// instance to a terminal or paused state, which can take far longer than
// an HTTP request should block for, so it is kicked off in the background;
// the response reports the instance's status as of the transition request,
// not its eventual terminal status (poll Get, or subscribe via the
// control-channel websocket, for that).
func (h *Handlers) StartInstance(c echo.Context) error {
	id := c.Param("id")
	inst, err := h.Store.LoadInstance(c.Request().Context(), id)
	if err != nil {
		return writeEngineError(c, err)
	}

	go func() {
		if err := h.Engine.Run(context.Background(), id); err != nil {
			h.Log.WithError(err).WithField("instanceId", id).Warn("workflow run ended with error")
		}
	}()

	return c.JSON(http.StatusAccepted, toInstanceResponse(inst, nil))
}

// PauseInstance handles POST /v1/instances/:id/pause.
func (h *Handlers) PauseInstance(c echo.Context) error {
	return h.transition(c, h.Engine.Pause)
}

// CancelInstance handles POST /v1/instances/:id/cancel.
func (h *Handlers) CancelInstance(c echo.Context) error {
	return h.transition(c, h.Engine.Cancel)
}

// ResumeInstance handles POST /v1/instances/:id/resume. Like Start, the
// actual run resumes in the background.
func (h *Handlers) ResumeInstance(c echo.Context) error {
	id := c.Param("id")
	go func() {
		if err := h.Engine.Resume(context.Background(), id); err != nil {
			h.Log.WithError(err).WithField("instanceId", id).Warn("workflow resume ended with error")
		}
	}()
	inst, err := h.Store.LoadInstance(c.Request().Context(), id)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusAccepted, toInstanceResponse(inst, nil))
}

func (h *Handlers) transition(c echo.Context, fn func(ctx context.Context, id string) error) error {
	id := c.Param("id")
	if err := fn(c.Request().Context(), id); err != nil {
		return writeEngineError(c, err)
	}
	inst, err := h.Store.LoadInstance(c.Request().Context(), id)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, toInstanceResponse(inst, nil))
}

// GetInstance handles GET /v1/instances/:id — returns the instance, its
// outputs (once terminal), and the node rollup (§6: "instance + outputs +
// node rollup").
func (h *Handlers) GetInstance(c echo.Context) error {
	id := c.Param("id")
	inst, err := h.Store.LoadInstance(c.Request().Context(), id)
	if err != nil {
		return writeEngineError(c, err)
	}
	nodes, err := h.Store.LoadNodeInstances(c.Request().Context(), id)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, toInstanceResponse(inst, nodes))
}

type listInstancesResponse struct {
	Instances []instanceResponse `json:"instances"`
	Total     int                `json:"total"`
}

// ListInstances handles GET /v1/instances?status=&externalId=&definition=&limit=&offset=
// — Submission API's List(filter) (§6).
func (h *Handlers) ListInstances(c echo.Context) error {
	filter := db.InstanceFilter{
		Status:         c.QueryParam("status"),
		ExternalID:     c.QueryParam("externalId"),
		DefinitionName: c.QueryParam("definition"),
		Limit:          queryInt(c, "limit", 50),
		Offset:         queryInt(c, "offset", 0),
	}

	insts, total, err := h.Store.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return writeEngineError(c, err)
	}
	out := make([]instanceResponse, 0, len(insts))
	for _, inst := range insts {
		out = append(out, toInstanceResponse(inst, nil))
	}
	return c.JSON(http.StatusOK, listInstancesResponse{Instances: out, Total: total})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	return n
}

// errorResponse mirrors http.ErrorResponse, reused here rather than
// importing the teacher's http package's struct directly so the engine's
// error Kind can be surfaced alongside the message.
type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeEngineError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	kind := ""
	if ee, ok := err.(*engineerr.Error); ok {
		kind = string(ee.Kind)
		switch ee.Kind {
		case engineerr.KindValidation, engineerr.KindTemplate:
			status = http.StatusBadRequest
		case engineerr.KindNotFound:
			status = http.StatusNotFound
		case engineerr.KindConflict:
			status = http.StatusConflict
		case engineerr.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	return c.JSON(status, errorResponse{Error: http.StatusText(status), Kind: kind, Message: err.Error()})
}
