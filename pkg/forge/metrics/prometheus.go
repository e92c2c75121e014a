package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	httpDuration   *prom.HistogramVec
	deploys        *prom.CounterVec
	deployStatuses *prom.CounterVec
	loginCodes     *prom.CounterVec
	syncDuration   *prom.HistogramVec
	syncedUsers    prom.Counter
	jobRuns        *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg,
// along with the Go runtime and process collectors.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	pr := &PrometheusRecorder{
		httpDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "forge",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route and status",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "route", "status"}),
		deploys: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forge",
			Name:      "policy_deploys_total",
			Help:      "Policy deploy attempts by outcome",
		}, []string{"outcome"}),
		deployStatuses: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forge",
			Name:      "policy_deploy_device_statuses_total",
			Help:      "Per-device deploy status updates by status",
		}, []string{"status"}),
		loginCodes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forge",
			Name:      "login_codes_total",
			Help:      "Login code requests by result",
		}, []string{"result"}),
		syncDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "forge",
			Name:      "identity_provider_sync_duration_seconds",
			Help:      "Duration of identity provider user syncs",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		syncedUsers: prom.NewCounter(prom.CounterOpts{
			Namespace: "forge",
			Name:      "identity_provider_synced_users_total",
			Help:      "Users upserted by identity provider syncs",
		}),
		jobRuns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forge",
			Name:      "scheduled_job_runs_total",
			Help:      "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
	}
	reg.MustRegister(
		pr.httpDuration, pr.deploys, pr.deployStatuses, pr.loginCodes,
		pr.syncDuration, pr.syncedUsers, pr.jobRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pr
}

func (p *PrometheusRecorder) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	p.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDeploy(outcome string) {
	p.deploys.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncDeployStatus(status string) {
	p.deployStatuses.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncLoginCode(result string) {
	p.loginCodes.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveSync(d time.Duration, users int, success bool) {
	p.syncDuration.WithLabelValues(resultLabel(success)).Observe(d.Seconds())
	p.syncedUsers.Add(float64(users))
}

func (p *PrometheusRecorder) IncJobRun(job string, success bool) {
	p.jobRuns.WithLabelValues(job, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// HTTPHandler serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware records request durations labelled by the matched route, so path
// parameters do not explode label cardinality.
func Middleware(rec Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		rec.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
