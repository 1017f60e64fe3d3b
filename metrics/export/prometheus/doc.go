// Package prometheus renders hybridauth engine counters and the login
// latency histogram in Prometheus text exposition format.
//
// Counters are named hybridauth_*_total and the histogram is
// hybridauth_login_latency_seconds. Callers mount [Exporter.Handler]
// themselves; nothing is registered globally.
package prometheus
