package predict

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/twinsync/errors"
	"github.com/c360/twinsync/twin"
)

// simProperties names the property carried by each column of a
// simulation's predicted state tuples.
var simProperties = map[SimulationType][]string{
	SimThermalCoil:   {"temperature", "heatTransferRate"},
	SimFluidDynamics: {"flowVelocity", "pressure"},
	SimMultiPhase:    {"temperature", "viscosity"},
}

// Predictor runs simulations for components and writes the nearest-term
// predicted values into the store, where the ml_based strategy can pick
// them up while they are fresh.
type Predictor struct {
	bridge *Bridge
	store  *twin.Store
	logger *slog.Logger
	now    func() time.Time
}

// PredictorOption configures a Predictor.
type PredictorOption func(*Predictor)

// WithPredictorLogger sets the predictor logger.
func WithPredictorLogger(logger *slog.Logger) PredictorOption {
	return func(p *Predictor) { p.logger = logger }
}

// WithPredictorClock overrides the clock, for tests.
func WithPredictorClock(now func() time.Time) PredictorOption {
	return func(p *Predictor) { p.now = now }
}

// NewPredictor wires a bridge to a store.
func NewPredictor(bridge *Bridge, store *twin.Store, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		bridge: bridge,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Predict runs one simulation for the component and applies the result.
// Parameters are passed through to the physics model untouched.
func (p *Predictor) Predict(ctx context.Context, componentID string, sim SimulationType, params map[string]any) (Response, error) {
	if _, ok := p.store.GetComponent(componentID); !ok {
		return Response{}, errors.WrapInvalid(errors.ErrUnknownComponent,
			"Predictor", "Predict", "look up component "+componentID)
	}

	resp, err := p.bridge.Simulate(ctx, Request{
		TankID:         componentID,
		SimulationType: sim,
		Parameters:     params,
	})
	if err != nil {
		return Response{}, err
	}
	if err := p.Apply(componentID, sim, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Apply writes the first predicted step of a response into the store as
// predicted-source states. Later steps describe the forecast horizon and
// are left to the caller.
func (p *Predictor) Apply(componentID string, sim SimulationType, resp Response) error {
	if len(resp.PredictedStates) == 0 {
		return errors.WrapInvalid(errors.ErrValidation,
			"Predictor", "Apply", "empty prediction for "+componentID)
	}

	props, ok := simProperties[sim]
	if !ok {
		return errors.WrapInvalid(errors.ErrValidation,
			"Predictor", "Apply", "unknown simulation type "+string(sim))
	}

	now := p.now()
	step := resp.PredictedStates[0]
	for i, value := range step {
		if i >= len(props) {
			break
		}
		st := twin.State{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Source:     twin.SourcePredicted,
			Confidence: resp.Confidence,
			Value:      value,
			Quality:    twin.QualityGood,
			LastUpdate: now,
		}
		if _, err := p.store.UpsertState(componentID, twin.SourcePredicted, props[i], st); err != nil {
			return err
		}
	}

	p.logger.Debug("applied prediction",
		"component", componentID,
		"simulation", sim,
		"confidence", resp.Confidence,
		"computation_time", resp.ComputationTime)
	return nil
}
