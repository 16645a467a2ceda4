// Package common handles tool initialization: flag parsing, metrics
// exposition and shutdown hookup. Import only from package main.
package common

import (
	"flag"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.copilot.dev/infra/go/cleanup"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

// Opt represents the initialization parameters for a single init service.
// Opts are order dependent; each Opt declares its own order.
type Opt interface {
	order() int
	init(appName string) error
}

// baseInitOpt is always constructed internally and runs first.
type baseInitOpt struct{}

func (b *baseInitOpt) init(appName string) error {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		sklog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})
	cleanup.Enable()
	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// prometheusInitOpt implements Opt for Prometheus metrics exposition.
type prometheusInitOpt struct {
	port *string
}

// PrometheusOpt creates an Opt to initialize Prometheus metrics exposition on
// the given port when passed to InitWith(). Example value for port: ":20000".
func PrometheusOpt(port *string) Opt {
	return &prometheusInitOpt{
		port: port,
	}
}

func (o *prometheusInitOpt) init(appName string) error {
	if o.port == nil || *o.port == "" {
		return skerr.Fmt("prometheus port must be set")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Infof("Prometheus server on %s", *o.port)
		server := &http.Server{
			Addr:    *o.port,
			Handler: mux,
		}
		sklog.Fatal(server.ListenAndServe())
	}()
	return nil
}

func (o *prometheusInitOpt) order() int {
	return 1
}

// InitWith initializes the application according to the given Opts.
func InitWith(appName string, opts ...Opt) error {
	all := append([]Opt{&baseInitOpt{}}, opts...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].order() < all[j].order()
	})
	for _, o := range all {
		if err := o.init(appName); err != nil {
			return skerr.Wrapf(err, "initializing %s", appName)
		}
	}
	sklog.Infof("%s started.", appName)
	return nil
}

// InitWithMust calls InitWith and exits the program on failure.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		sklog.Fatalf("Failed to initialize %s: %s", appName, err)
	}
}
