// Command controller is the distfs Controller binary: four positional
// parameters, in order — cport, R, timeout (ms), rebalance_period (ms,
// reserved). Argument parsing is deliberately minimal positional parsing,
// not a CLI framework: command-line argument parsing is treated as an
// external, out-of-scope concern here.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/nvanstrum/distfs/internal/backend"
	"github.com/nvanstrum/distfs/internal/cmn/nlog"
	"github.com/nvanstrum/distfs/internal/controller"
	"github.com/nvanstrum/distfs/internal/httpapi"
	"github.com/nvanstrum/distfs/internal/metrics"
)

func main() {
	if len(os.Args) != 5 {
		nlog.Errorf("usage: controller <cport> <R> <timeout_ms> <rebalance_period_ms>")
		os.Exit(2)
	}
	cport, err1 := strconv.Atoi(os.Args[1])
	r, err2 := strconv.Atoi(os.Args[2])
	timeoutMS, err3 := strconv.Atoi(os.Args[3])
	rebalanceMS, err4 := strconv.Atoi(os.Args[4])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || r < 1 {
		nlog.Errorf("usage: controller <cport> <R> <timeout_ms> <rebalance_period_ms>")
		os.Exit(2)
	}

	cfg := controller.Config{
		Port:            cport,
		R:               r,
		Timeout:         time.Duration(timeoutMS) * time.Millisecond,
		RebalancePeriod: time.Duration(rebalanceMS) * time.Millisecond,
	}

	var mirror *backend.Mirror
	if bucket := os.Getenv("DISTFS_MIRROR_BUCKET"); bucket != "" {
		m, err := backend.New(context.Background(), bucket, 64)
		if err != nil {
			nlog.Warningf("controller: durability mirror disabled: %v", err)
		} else {
			mirror = m
		}
	}

	m := metrics.NewController()
	c, err := controller.New(cfg, m, mirror)
	if err != nil {
		nlog.Errorf("controller: init: %v", err)
		os.Exit(1)
	}

	if adminAddr := os.Getenv("DISTFS_ADMIN_ADDR"); adminAddr != "" {
		go serveAdmin(adminAddr, c, m)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cport)))
	if err != nil {
		nlog.Errorf("controller: listen: %v", err)
		os.Exit(1)
	}
	nlog.Infof("controller: listening on %d, R=%d, timeout=%s", cport, r, cfg.Timeout)
	if err := c.Serve(ln); err != nil {
		nlog.Errorf("controller: serve: %v", err)
		os.Exit(1)
	}
}

func serveAdmin(addr string, c *controller.Controller, m *metrics.Controller) {
	mux := http.NewServeMux()
	mux.Handle("/snapshot", httpapi.Handler(c))
	mux.Handle("/metrics", m.Handler())
	nlog.Infof("controller: admin surface on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Warningf("controller: admin surface stopped: %v", err)
	}
}
