package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal     *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	MessagesTotal    prometheus.Counter
	RunsTotal        *prometheus.CounterVec
	RunsCancelled    prometheus.Counter
	ModelCalls       *prometheus.CounterVec
	ModelRetries     prometheus.Counter
	PluginCalls      *prometheus.CounterVec
	TokensTotal      prometheus.Counter
	UsageEvents      prometheus.Counter
	UsageEventsFails prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.CommandsTotal,
			global.MessagesTotal,
			global.RunsTotal,
			global.RunsCancelled,
			global.ModelCalls,
			global.ModelRetries,
			global.PluginCalls,
			global.TokensTotal,
			global.UsageEvents,
			global.UsageEventsFails,
		)
	})
	return global
}

// New builds an unregistered set, used directly by tests.
func New() *Metrics {
	return &Metrics{
		UpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "updates_total",
			Help:      "Platform events received, before dedupe",
		}, []string{"platform"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "commands_total",
			Help:      "Chat commands run by name",
		}, []string{"command"}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "messages_total",
			Help:      "Total inbound chat messages seen",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "runs_total",
			Help:      "Orchestrator runs by final outcome",
		}, []string{"outcome"}),
		RunsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "runs_cancelled_total",
			Help:      "Runs cancelled by a newer message or a stop word",
		}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "model_calls_total",
			Help:      "Model gateway calls by model and outcome",
		}, []string{"model", "outcome"}),
		ModelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "model_retries_total",
			Help:      "Model calls retried after a rate limit",
		}),
		PluginCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "plugin_calls_total",
			Help:      "Plugin invocations by plugin and outcome",
		}, []string{"plugin", "outcome"}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "tokens_total",
			Help:      "Model tokens consumed",
		}),
		UsageEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "usage_events_total",
			Help:      "Usage events applied to user totals",
		}),
		UsageEventsFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittybot",
			Name:      "usage_events_failed_total",
			Help:      "Usage events that failed to apply",
		}),
	}
}
