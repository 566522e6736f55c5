package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/locus"
	"nuha.dev/locus/internal/scope"
	"nuha.dev/locus/internal/sublist"
	"nuha.dev/locus/internal/util"
)

// ResultMessage is the wire form of a locus.Result.
type ResultMessage struct {
	Location *locus.Location `json:"location,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     string          `json:"kind,omitempty"`
}

func resultMessage(r locus.Result) ResultMessage {
	if r.IsSuccess() {
		return ResultMessage{Location: r.Location}
	}
	return ResultMessage{Error: r.Err.Error(), Kind: r.Kind().String()}
}

// StartRequest optionally replaces the default configuration before starting.
type StartRequest struct {
	Configure       bool    `json:"configure"`
	Reset           bool    `json:"reset"`
	Priority        string  `json:"priority" validate:"omitempty,oneof=high_accuracy balanced low_power passive"`
	IntervalMs      int64   `json:"interval_ms" validate:"gte=0"`
	FastestMs       int64   `json:"fastest_interval_ms" validate:"gte=0"`
	ExpirationMs    int64   `json:"expiration_ms" validate:"gte=0"`
	NumUpdates      int     `json:"num_updates" validate:"gte=0"`
	MinDisplacement float64 `json:"min_displacement" validate:"gte=0"`
	Background      bool    `json:"background"`
	ForceBackground bool    `json:"force_background"`
	SkipResolution  bool    `json:"skip_resolution"`
}

func (req *StartRequest) options() ([]config.Option, error) {
	var opts []config.Option
	if req.Priority != "" {
		p, err := config.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, config.WithPriority(p))
	}
	if req.IntervalMs > 0 {
		opts = append(opts, config.WithInterval(time.Duration(req.IntervalMs)*time.Millisecond))
	}
	if req.FastestMs > 0 {
		opts = append(opts, config.WithFastestInterval(time.Duration(req.FastestMs)*time.Millisecond))
	}
	if req.ExpirationMs > 0 {
		opts = append(opts, config.WithExpiration(time.Duration(req.ExpirationMs)*time.Millisecond))
	}
	if req.NumUpdates > 0 {
		opts = append(opts, config.WithNumUpdates(req.NumUpdates))
	}
	if req.MinDisplacement > 0 {
		opts = append(opts, config.WithMinDisplacement(req.MinDisplacement))
	}
	opts = append(opts,
		config.WithBackgroundUpdates(req.Background, req.ForceBackground),
		config.WithSettingsResolution(!req.SkipResolution))
	return opts, nil
}

func (api *Api) startLocation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := util.JsonRead(r, &req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err)
		return
	}
	if err := api.vld.Struct(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err)
		return
	}
	c := api.deps.Coordinator
	switch {
	case req.Reset:
		c.SetDefaultConfig()
	case req.Configure:
		opts, err := req.options()
		if err != nil {
			util.JsonError(w, http.StatusBadRequest, err)
			return
		}
		cfg, err := config.Default().With(opts...)
		if err != nil {
			util.JsonError(w, http.StatusBadRequest, err)
			return
		}
		if err := c.Configure(cfg); err != nil {
			util.JsonError(w, http.StatusBadRequest, err)
			return
		}
	}

	sub := c.StartLocationUpdates(api.scope)
	sublist.Watch(sub, func(res locus.Result) {
		if res.IsSuccess() {
			api.log.Debug().Str("sub", sub.ID()).EmbedObject(res.Location).Msg("location")
		} else {
			api.log.Info().Str("sub", sub.ID()).Err(res.Err).Msg("location failure")
		}
	})
	util.JsonWriteStatus(w, http.StatusAccepted, c.Snapshot())
}

func (api *Api) stopLocation(w http.ResponseWriter, r *http.Request) {
	c := api.deps.Coordinator
	c.Stop()
	util.JsonWrite(w, c.Snapshot())
}

func (api *Api) currentLocation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), api.config.CurrentTimeout)
	defer cancel()
	sub := api.deps.Coordinator.GetCurrentLocation(scope.FromContext(ctx))
	res, err := sublist.Once(ctx, sub)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		util.JsonError(w, http.StatusGatewayTimeout, err)
		return
	case err != nil:
		util.JsonError(w, http.StatusServiceUnavailable, err)
		return
	}
	util.JsonWrite(w, resultMessage(res))
}

func (api *Api) state(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.deps.Coordinator.Snapshot())
}

func (api *Api) receivers(w http.ResponseWriter, r *http.Request) {
	if api.deps.Receivers == nil {
		util.JsonWrite(w, []struct{}{})
		return
	}
	util.JsonWrite(w, api.deps.Receivers())
}

func (api *Api) events(w http.ResponseWriter, r *http.Request) {
	if api.deps.History == nil {
		util.JsonWrite(w, []struct{}{})
		return
	}
	util.JsonWrite(w, api.deps.History.Records())
}
