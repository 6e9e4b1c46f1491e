package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_paste_retrieved_total",
		Help: "no. of successful paste fetches",
	})
	PasteDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_paste_denied_total",
		Help: "no. of fetches answered with not found",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_paste_deleted_total",
		Help: "no. of pastes deleted with a safety token",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_id_collisions_total",
		Help: "no. of id or safety token collisions retried during create",
	})
	SecretsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echobin_secrets_found_total",
			Help: "no. of confirmed secrets by service",
		},
		[]string{"service"},
	)
	SecretsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_secrets_queued_total",
		Help: "no. of secrets queued for disclosure",
	})
	ReportQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echobin_report_queue_depth",
		Help: "secrets waiting to be disclosed",
	})
	ReportBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echobin_report_batches_total",
			Help: "no. of disclosure attempts by result",
		},
		[]string{"result"},
	)
	ReportDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_report_dropped_total",
		Help: "no. of queued secrets dropped because the queue was full",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_cache_misses_total",
		Help: "no. of cache misses",
	})
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echobin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PrunedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echobin_pruned_pastes_total",
		Help: "no. of expired or exhausted pastes removed",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echobin_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echobin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
