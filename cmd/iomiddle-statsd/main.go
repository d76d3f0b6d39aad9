// Command iomiddle-statsd runs a standalone HTTP endpoint exposing one
// rank's middleware statistics as Prometheus metrics: a promhttp.Handler
// wired to a registered custom collector, nothing more.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yishikawa/iomiddle"
	"github.com/yishikawa/iomiddle/pkg/group/local"
	"github.com/yishikawa/iomiddle/pkg/hijack"
	"github.com/yishikawa/iomiddle/pkg/ioconfig"
)

func main() {
	logger := logrus.NewEntry(logrus.StandardLogger())

	addr := ":18080"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	cfg, err := ioconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("loading configuration")
	}

	// A single-rank local group is enough to stand up the collector for
	// demonstration; a real deployment wires this into whichever rank
	// of the tcp-transport job is responsible for serving /metrics.
	world := local.New(1)[0]
	m, err := iomiddle.New(cfg, world, hijack.Default(), logger)
	if err != nil {
		logger.WithError(err).Fatal("constructing middleware")
	}

	prometheus.MustRegister(m.Collector())

	http.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("serving iomiddle statistics")
	if err := http.ListenAndServe(addr, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
