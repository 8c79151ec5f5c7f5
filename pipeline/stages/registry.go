package stages

import (
	"github.com/dshills/mlpipe-go/pipeline"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// Default builds the logic registry with all ten canonical stage
// implementations wired up.
//
// provider serves the ingestion stage; workers bounds the parallel
// stages' pools; metrics may be nil.
func Default(provider dataset.Provider, workers int, metrics pipeline.Metrics) pipeline.LogicRegistry {
	registry := pipeline.LogicRegistry{}
	registry.Register(&DataIngestion{Provider: provider})
	registry.Register(&TaskResolution{})
	registry.Register(&Preprocessing{})
	registry.Register(&FeatureEngineering{})
	registry.Register(&ModelSelection{})
	registry.Register(&HyperparameterTuning{Workers: workers, Metrics: metrics})
	registry.Register(&Training{Workers: workers, Metrics: metrics})
	registry.Register(&Evaluation{})
	registry.Register(&Explainability{})
	registry.Register(&OutputPackaging{})
	return registry
}
