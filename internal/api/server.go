// Package api serves planning and quantization over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/moeplan/internal/config"
	"github.com/samcharles93/moeplan/internal/logger"
	"github.com/samcharles93/moeplan/internal/planner"
	"github.com/samcharles93/moeplan/pkg/precision"
	"github.com/samcharles93/moeplan/pkg/quant"
	"github.com/samcharles93/moeplan/pkg/tensor"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 16 << 20

type Server struct {
	store *PlanStore
	opts  planner.Options
	log   logger.Logger
	clock func() time.Time
}

// NewServer returns a server planning with opts. A nil store gets a fresh
// in-memory one.
func NewServer(store *PlanStore, opts planner.Options) *Server {
	if store == nil {
		store = NewPlanStore()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{store: store, opts: opts, log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/plans", s.handleCreatePlan)
	e.GET("/v1/plans", s.handleListPlans)
	e.GET("/v1/plans/:id", s.handleGetPlan)
	e.DELETE("/v1/plans/:id", s.handleDeletePlan)

	e.POST("/v1/quantize", s.handleQuantize)
	e.GET("/v1/precisions", s.handleListPrecisions)
}

// handleCreatePlan accepts a runtime configuration (JSON or YAML) and
// stores the resulting plan. ?budget_policy overrides the server default.
func (s *Server) handleCreatePlan(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	rt, err := config.Parse(body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	opts := s.opts
	opts.Logger = s.log
	if v := c.QueryParam("budget_policy"); v != "" {
		policy, err := planner.ParseBudgetPolicy(v)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		opts.Policy = policy
	}

	p, err := planner.New(rt.Model, opts)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	plan, err := p.Plan(c.Request().Context(), rt.Nodes, rt.Registry())
	switch {
	case errors.Is(err, planner.ErrOverBudget):
		return writeError(c, http.StatusUnprocessableEntity, "over_budget_error", err.Error())
	case errors.Is(err, planner.ErrInvalidMemory), errors.Is(err, tensor.ErrSizeOverflow):
		return writeBadRequest(c, err.Error())
	case err != nil:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	rec := s.store.Save(plan, s.clock())
	s.log.Info("plan created",
		"id", rec.ID,
		"nodes", len(plan.Cluster.Nodes),
		"total_memory_used", plan.Cluster.TotalMemoryUsed,
	)
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListPlans(c *echo.Context) error {
	ids := s.store.List()
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.store.Get(id)
		if !ok {
			continue
		}
		data = append(data, map[string]any{
			"id":         rec.ID,
			"object":     rec.Object,
			"created_at": rec.CreatedAt,
			"nodes":      len(rec.Plan.Cluster.Nodes),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGetPlan(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "plan not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeletePlan(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "plan not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "plan.deleted",
		"deleted": true,
	})
}

type QuantizeRequest struct {
	Precision string    `json:"precision"`
	Values    []float32 `json:"values"`
}

// QuantizeResponse carries the packed payload in Data, base64 encoded on
// the wire.
type QuantizeResponse struct {
	Precision   precision.Kind `json:"precision"`
	Count       int            `json:"count"`
	Scale       float64        `json:"scale"`
	ZeroPoint   int            `json:"zero_point"`
	Data        []byte         `json:"data"`
	MaxAbsError float64        `json:"max_abs_error"`
}

func (s *Server) handleQuantize(c *echo.Context) error {
	req, err := decodeJSON[QuantizeRequest](io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := quantizeValues(req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func quantizeValues(req QuantizeRequest) (*QuantizeResponse, error) {
	p, err := precision.Parse(req.Precision)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	qt, err := quant.Quantize(req.Values, p)
	if err != nil {
		if errors.Is(err, quant.ErrNonFinite) || errors.Is(err, quant.ErrNotRepresentable) {
			return nil, newInvalidRequest(err.Error())
		}
		return nil, err
	}
	back, err := quant.Dequantize(qt)
	if err != nil {
		return nil, fmt.Errorf("dequantize: %w", err)
	}
	return &QuantizeResponse{
		Precision:   qt.Precision,
		Count:       qt.Count,
		Scale:       qt.Scale,
		ZeroPoint:   qt.ZeroPoint,
		Data:        qt.Data,
		MaxAbsError: quant.MaxAbsError(req.Values, back),
	}, nil
}

type PrecisionInfo struct {
	Name            string  `json:"name"`
	BitWidth        int     `json:"bit_width"`
	BytesPerElement float64 `json:"bytes_per_element"`
	Float           bool    `json:"float"`
}

func (s *Server) handleListPrecisions(c *echo.Context) error {
	kinds := precision.All()
	data := make([]PrecisionInfo, 0, len(kinds))
	for _, k := range kinds {
		data = append(data, PrecisionInfo{
			Name:            k.String(),
			BitWidth:        k.BitWidth(),
			BytesPerElement: k.BytesPerElement(),
			Float:           k.IsFloat(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
