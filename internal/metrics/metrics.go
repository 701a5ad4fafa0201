// Package metrics exposes Controller and Store operational counters over
// Prometheus. Nothing in the protocol depends on these values; they exist
// purely for operational visibility on each process's admin port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller holds the Controller-side gauges and counters.
type Controller struct {
	Members         prometheus.Gauge
	IndexSize       prometheus.Gauge
	PendingStores   prometheus.Gauge
	PendingRemoves  prometheus.Gauge
	StoreCompleted  prometheus.Counter
	StoreTimedOut   prometheus.Counter
	RemoveCompleted prometheus.Counter
	RemoveTimedOut  prometheus.Counter
	Reg             *prometheus.Registry
}

func NewController() *Controller {
	reg := prometheus.NewRegistry()
	c := &Controller{
		Reg: reg,
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distfs_controller_members", Help: "Currently connected Stores.",
		}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distfs_controller_index_size", Help: "Entries currently in the file index.",
		}),
		PendingStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distfs_controller_pending_stores", Help: "In-flight STORE operations.",
		}),
		PendingRemoves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distfs_controller_pending_removes", Help: "In-flight REMOVE operations.",
		}),
		StoreCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_controller_store_completed_total", Help: "STORE operations that reached STORE_COMPLETE.",
		}),
		StoreTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_controller_store_timeout_total", Help: "STORE operations abandoned on timeout.",
		}),
		RemoveCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_controller_remove_completed_total", Help: "REMOVE operations that reached REMOVE_COMPLETE.",
		}),
		RemoveTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_controller_remove_timeout_total", Help: "REMOVE operations abandoned on timeout.",
		}),
	}
	reg.MustRegister(c.Members, c.IndexSize, c.PendingStores, c.PendingRemoves,
		c.StoreCompleted, c.StoreTimedOut, c.RemoveCompleted, c.RemoveTimedOut)
	return c
}

func (c *Controller) Handler() http.Handler {
	return promhttp.HandlerFor(c.Reg, promhttp.HandlerOpts{})
}

// Store holds the Store-side counters.
type Store struct {
	BytesStored prometheus.Counter
	BytesServed prometheus.Counter
	FilesStored prometheus.Counter
	Corruptions prometheus.Counter
	Reg         *prometheus.Registry
}

func NewStore() *Store {
	reg := prometheus.NewRegistry()
	s := &Store{
		Reg: reg,
		BytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_store_bytes_stored_total", Help: "Bytes received via STORE.",
		}),
		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_store_bytes_served_total", Help: "Bytes sent via LOAD_DATA.",
		}),
		FilesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_store_files_stored_total", Help: "Files accepted via STORE.",
		}),
		Corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distfs_store_checksum_mismatch_total", Help: "LOAD_DATA reads whose checksum did not match the stored checksum.",
		}),
	}
	reg.MustRegister(s.BytesStored, s.BytesServed, s.FilesStored, s.Corruptions)
	return s
}

func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.Reg, promhttp.HandlerOpts{})
}
