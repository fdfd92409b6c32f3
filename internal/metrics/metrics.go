// Package metrics holds the Prometheus instruments shared by the pipeline
// dispatcher and the webhook relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solaros_tasks_enqueued_total",
		Help: "Tasks queued by pipeline consumers, by task type.",
	}, []string{"type"})

	ProjectTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solaros_project_transitions_total",
		Help: "Project status transition proposals, by outcome.",
	}, []string{"result"})

	ConsumerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solaros_pipeline_consumer_failures_total",
		Help: "Pipeline consumer invocations that exhausted retries, by consumer.",
	}, []string{"consumer"})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solaros_pipeline_events_dispatched_total",
		Help: "Events delivered to pipeline consumers.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solaros_webhook_deliveries_total",
		Help: "Webhook relay delivery attempts, by result.",
	}, []string{"result"})

	MissingProjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solaros_pipeline_missing_project_total",
		Help: "Pipeline events referencing a project that no longer exists.",
	}, []string{"consumer"})
)
