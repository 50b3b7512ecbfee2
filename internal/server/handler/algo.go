package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/algo"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// AlgoManager is the lifecycle surface of the algorithm manager.
type AlgoManager interface {
	Add(a *algo.Algorithm) error
	Get(id string) (*algo.Algorithm, bool)
	List() []algo.Progress
	Start(id string) error
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) ([]algo.ChildOrder, error)
	CancelOpenChildren(ctx context.Context, id string) error
}

// AlgoDefaults fill fields a submission leaves out.
type AlgoDefaults struct {
	LimitOffsetBps    float64
	TWAPRandomization float64
	VWAPProfile       []float64
}

// AlgoHandler serves TWAP/VWAP submission and lifecycle control.
type AlgoHandler struct {
	manager  AlgoManager
	router   algo.OrderRouter
	defaults AlgoDefaults
	logger   *slog.Logger
}

// NewAlgoHandler creates an AlgoHandler. Child orders of submitted
// algorithms go through r.
func NewAlgoHandler(m AlgoManager, r algo.OrderRouter, defaults AlgoDefaults, logger *slog.Logger) *AlgoHandler {
	return &AlgoHandler{manager: m, router: r, defaults: defaults, logger: logger}
}

type algoRequest struct {
	Kind           string    `json:"kind"`
	ID             string    `json:"id"`
	Strategy       string    `json:"strategy"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	TargetQty      float64   `json:"target_qty"`
	Duration       string    `json:"duration"`
	SliceInterval  string    `json:"slice_interval"`
	MinSliceQty    float64   `json:"min_slice_qty"`
	UseLimitOrders bool      `json:"use_limit_orders"`
	LimitOffsetBps *float64  `json:"limit_offset_bps"`
	Randomization  *float64  `json:"randomization"`
	Profile        []float64 `json:"profile"`
	Start          bool      `json:"start"`
}

func (h *AlgoHandler) build(body algoRequest) (*algo.Algorithm, error) {
	side, err := parseSide(body.Side)
	if err != nil {
		return nil, err
	}
	duration, err := time.ParseDuration(body.Duration)
	if err != nil {
		return nil, fmt.Errorf("%w: duration: %v", domain.ErrInvalidOrder, err)
	}
	interval, err := time.ParseDuration(body.SliceInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: slice_interval: %v", domain.ErrInvalidOrder, err)
	}
	offset := h.defaults.LimitOffsetBps
	if body.LimitOffsetBps != nil {
		offset = *body.LimitOffsetBps
	}
	cfg := algo.Config{
		ID:             body.ID,
		Strategy:       body.Strategy,
		Symbol:         body.Symbol,
		Side:           side,
		TargetQty:      body.TargetQty,
		Duration:       duration,
		SliceInterval:  interval,
		MinSliceQty:    body.MinSliceQty,
		UseLimitOrders: body.UseLimitOrders,
		LimitOffsetBps: offset,
	}

	var a *algo.Algorithm
	switch algo.Kind(strings.ToLower(body.Kind)) {
	case algo.KindTWAP:
		rnd := h.defaults.TWAPRandomization
		if body.Randomization != nil {
			rnd = *body.Randomization
		}
		a, err = algo.NewTWAP(cfg, algo.TWAPOptions{Randomization: rnd}, h.router, h.logger)
	case algo.KindVWAP:
		profile := body.Profile
		if len(profile) == 0 {
			profile = h.defaults.VWAPProfile
		}
		a, err = algo.NewVWAP(cfg, algo.VWAPOptions{Profile: profile}, h.router, h.logger)
	default:
		return nil, fmt.Errorf("%w: kind %q", domain.ErrInvalidOrder, body.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	return a, nil
}

// Submit creates a TWAP or VWAP algorithm, optionally starting it.
// POST /api/algos
func (h *AlgoHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body algoRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.build(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.manager.Add(a); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Start {
		if err := h.manager.Start(a.ID()); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	h.logger.Info("algorithm submitted",
		slog.String("algo_id", a.ID()),
		slog.String("kind", string(a.Kind())),
		slog.String("symbol", a.Symbol()),
	)
	writeJSON(w, http.StatusCreated, a.Progress())
}

// ListAlgos returns the progress of every managed algorithm.
// GET /api/algos
func (h *AlgoHandler) ListAlgos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"algorithms": h.manager.List()})
}

// GetAlgo returns one algorithm's progress, schedule and child orders.
// GET /api/algos/{id}
func (h *AlgoHandler) GetAlgo(w http.ResponseWriter, r *http.Request) {
	a, ok := h.manager.Get(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown algorithm")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"progress": a.Progress(),
		"config":   a.Config(),
		"children": a.Children(),
	})
}

// Control applies a lifecycle action: start, pause, resume or cancel.
// Cancelling also cancels the algorithm's open child orders on their venues.
// POST /api/algos/{id}/{action}
func (h *AlgoHandler) Control(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var err error
	switch action := pathParam(r, "action"); action {
	case "start":
		err = h.manager.Start(id)
	case "pause":
		err = h.manager.Pause(id)
	case "resume":
		err = h.manager.Resume(id)
	case "cancel":
		if err = h.manager.CancelOpenChildren(r.Context(), id); err != nil {
			h.logger.Warn("cancel children failed", slog.String("algo_id", id), slog.String("error", err.Error()))
		}
		_, err = h.manager.Cancel(id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a, ok := h.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown algorithm")
		return
	}
	writeJSON(w, http.StatusOK, a.Progress())
}
