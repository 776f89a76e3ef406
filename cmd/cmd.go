// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/Pavelanln/gpualloc/api"
	"github.com/Pavelanln/gpualloc/common"
	"github.com/Pavelanln/gpualloc/devicemem"
	"github.com/Pavelanln/gpualloc/memalloc"
	"github.com/Pavelanln/gpualloc/utils"
)

// Options represents options for executing command
type Options struct {
	DefaultCfg   map[string]interface{}
	ServerLogger common.Logger
	Metrics      common.Metrics
	HTTPWrappers []utils.HTTPHandlerWrapper
}

// Option is for setting option
type Option func(*Options)

// Execute executes command with options
func Execute(setters ...Option) {
	options := &Options{
		ServerLogger: common.NewLoggerFactory().GetDefaultLogger(),
		Metrics:      common.NewNoopMetrics(),
	}

	for _, setter := range setters {
		setter(options)
	}

	cmd := &cobra.Command{
		Use:     "gpuallocd",
		Short:   "Caching device memory allocator daemon",
		Long:    `gpuallocd runs the caching device memory allocator with its http debug endpoints`,
		Example: `./gpuallocd --config config/gpualloc.yaml --port 9374`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := ReadConfig(options.DefaultCfg, cmd.Flags())
			if err != nil {
				options.ServerLogger.With("err", err.Error()).Fatal("failed to read configs")
			}

			StartService(cfg, options.ServerLogger, options.Metrics, options.HTTPWrappers...)
		},
	}
	AddFlags(cmd)
	cmd.Execute()
}

// StartService is the entry point of starting the allocator daemon.
func StartService(cfg common.ServerConfig, logger common.Logger, metricsCfg common.Metrics, httpWrappers ...utils.HTTPHandlerWrapper) {
	logger.With("config", cfg).Info("Bootstrapping service")

	scope, closer, err := metricsCfg.NewRootScope()
	if err != nil {
		logger.Fatal("Failed to create new root scope", err)
	}
	defer closer.Close()

	// Init common components.
	utils.Init(cfg, logger, scope)

	if !cfg.Device.Simulated {
		logger.Fatal("Only the simulated device driver is available in this build")
	}
	driver := devicemem.NewSimDriver(cfg.Device.DeviceCount, cfg.Device.DeviceMemoryBytes)
	memalloc.Init(driver)
	defer memalloc.Shutdown()
	allocator := memalloc.DefaultAllocator()

	if fraction := cfg.Device.MemoryFraction; fraction > 0 {
		for device := 0; device < allocator.DeviceCount(); device++ {
			if err := allocator.SetMemoryFraction(device, fraction); err != nil {
				logger.Fatal(err)
			}
		}
	}

	middleware := utils.NewMetricsLoggingMiddleWareProvider(scope, logger)
	wrappers := append([]utils.HTTPHandlerWrapper{
		middleware.WithMetrics,
		middleware.WithLogging,
	}, httpWrappers...)

	debugHandler := api.NewDebugHandler(allocator)
	healthCheckHandler := api.NewHealthCheckHandler()

	router := mux.NewRouter()
	debugHandler.Register(router.PathPrefix("/dbg").Subrouter(), wrappers...)
	router.HandleFunc("/health", utils.ApplyHTTPWrappers(healthCheckHandler.HealthCheck, wrappers...))
	router.HandleFunc("/version", utils.ApplyHTTPWrappers(healthCheckHandler.Version, wrappers...))

	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))

	// Support CORS calls.
	allowOrigins := handlers.AllowedOrigins([]string{"*"})
	allowHeaders := handlers.AllowedHeaders([]string{"Accept", "Accept-Language", "Content-Language", "Origin", "Content-Type"})
	allowMethods := handlers.AllowedMethods([]string{"GET", "PUT", "POST", "DELETE", "OPTIONS"})

	logger.Infof("Starting HTTP server on port %d with max connection %d", cfg.Port, cfg.HTTP.MaxConnections)
	utils.LimitServe(cfg.Port, handlers.CORS(allowOrigins, allowHeaders, allowMethods)(router), cfg.HTTP)
}
