// Package metrics defines the Prometheus instrumentation shared across the
// relay's components, following the CounterVec-per-drop-reason pattern used
// by indigo's own relay validator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CommitVerifyStarts counts every commit that entered validation.
	CommitVerifyStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_commit_verify_starts_total",
		Help: "Number of commit messages that entered validation.",
	})

	// CommitVerifyErrors counts commits rejected, labeled by host and reason.
	CommitVerifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_errors_total",
		Help: "Number of commit messages rejected during validation.",
	}, []string{"host", "reason"})

	// CommitVerifyOk counts commits accepted without any warning.
	CommitVerifyOk = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_ok_total",
		Help: "Number of commit messages accepted cleanly.",
	}, []string{"host"})

	// CommitVerifyWarnings counts commits accepted with a recorded warning
	// (tooBig, rebase), plus one "accepted" count per commit accepted with
	// any warning, including one that verified only after an identity retry.
	CommitVerifyWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commit_verify_warnings_total",
		Help: "Number of commit messages accepted with a warning.",
	}, []string{"host", "reason"})

	// CrawlerHostState tracks the current crawler connection state per
	// host: 0=idle, 1=connecting, 2=connected, 3=backoff.
	CrawlerHostState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_crawler_host_state",
		Help: "Current crawler connection state per host (0 idle, 1 connecting, 2 connected, 3 backoff).",
	}, []string{"host"})

	// PublisherSubscribers tracks the current count of connected downstream
	// subscribers.
	PublisherSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_publisher_subscribers",
		Help: "Number of currently connected downstream subscribers.",
	})

	// PublisherLag tracks how far behind the latest sequence a subscriber's
	// cursor is. The publisher sets it only under the label value
	// "aggregate", so it holds the lag most recently observed for any
	// subscriber rather than one series per subscriber.
	PublisherLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_publisher_subscriber_lag",
		Help: "Sequence lag between a subscriber's cursor and the latest entry.",
	}, []string{"subscriber"})

	// FirehoseLatestSeq tracks the most recently assigned sequence number.
	FirehoseLatestSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_firehose_latest_seq",
		Help: "Most recently assigned firehose sequence number.",
	})
)

// Registry bundles the collectors above for registration on startup.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		CommitVerifyStarts,
		CommitVerifyErrors,
		CommitVerifyOk,
		CommitVerifyWarnings,
		CrawlerHostState,
		PublisherSubscribers,
		PublisherLag,
		FirehoseLatestSeq,
	)
	return r
}
