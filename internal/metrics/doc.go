// Package metrics defines the prometheus counters the services update.
package metrics
