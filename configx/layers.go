package configx

// ConfigLayer identifies one tier in the hierarchical override stack the
// Resolver merges (§9's configx hot-reload surface): a global baseline, an
// environment tier (staging/prod), per-domain overrides driven by the
// Scheduler/Queue's domain-keyed state, a still-finer per-URL override for
// a single MonitoredURL, and an ephemeral tier for a one-off manual change
// that should not survive a restart.
type ConfigLayer string

const (
	LayerGlobal      ConfigLayer = "global"
	LayerEnvironment ConfigLayer = "environment"
	LayerDomain      ConfigLayer = "domain"
	LayerURL         ConfigLayer = "url"
	LayerEphemeral   ConfigLayer = "ephemeral"
)

// configLayerPrecedence lists layers lowest to highest priority: a later
// entry's non-zero fields win when Resolver.Resolve merges them in order.
var configLayerPrecedence = []ConfigLayer{LayerGlobal, LayerEnvironment, LayerDomain, LayerURL, LayerEphemeral}

// LayerPrecedenceOrder returns the merge order from lowest to highest
// priority.
func LayerPrecedenceOrder() []ConfigLayer {
	return configLayerPrecedence
}
