// Package metrics exposes observability hooks. Components depend on the
// Recorder interface and receive NoopRecorder when metrics are disabled.
package metrics

import "time"

// Recorder defines the metrics the server emits.
type Recorder interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
	IncDeploy(outcome string) // outcome: created|no_changes|failed
	IncDeployStatus(status string)
	IncLoginCode(result string) // result: sent|rate_limited|failed
	ObserveSync(d time.Duration, users int, success bool)
	IncJobRun(job string, success bool)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveHTTPRequest(string, string, int, time.Duration) {}
func (NoopRecorder) IncDeploy(string)                                      {}
func (NoopRecorder) IncDeployStatus(string)                                {}
func (NoopRecorder) IncLoginCode(string)                                   {}
func (NoopRecorder) ObserveSync(time.Duration, int, bool)                  {}
func (NoopRecorder) IncJobRun(string, bool)                                {}
