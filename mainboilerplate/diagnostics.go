package mainboilerplate

import (
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port serving /debug/metrics and /debug/pprof. Diagnostics are not served if empty"`
}

// InitDiagnostics registers |collectors|, and serves metrics and debugging
// handlers of the default ServeMux on the configured port. It also installs
// signal handlers: SIGQUIT dumps goroutine stacks to stderr, and SIGUSR2
// toggles debug-level logging.
func InitDiagnostics(cfg DiagnosticsConfig, collectors ...prometheus.Collector) {
	prometheus.MustRegister(collectors...)

	// Package "net/http/pprof" serves /debug/pprof/.
	http.Handle("/debug/metrics", promhttp.Handler())
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Port != "" {
		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, nil)
			log.WithFields(log.Fields{"err": err, "port": cfg.Port}).Error("diagnostics server exited")
		}()
	}
	registerSignalHandlers()
}

func registerSignalHandlers() {
	var ch = make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGQUIT, syscall.SIGUSR2)

	go func() {
		var debug bool
		var prior log.Level

		for sig := range ch {
			switch sig {
			case syscall.SIGQUIT:
				_ = pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
			case syscall.SIGUSR2:
				if debug {
					log.SetLevel(prior)
				} else {
					prior = log.GetLevel()
					log.SetLevel(log.DebugLevel)
				}
				debug = !debug
			}
		}
	}()
}
