package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ttaaoo/commitlog/internal/auth"
	"github.com/ttaaoo/commitlog/internal/log"
	"github.com/ttaaoo/commitlog/internal/metrics"
	"github.com/ttaaoo/commitlog/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	// ServerTLSConfig defines the configuration of the certificate that's
	// served to clients
	ServerTLSConfig *tls.Config
	DataDir         string
	// BindAddr is the host:port the HTTP front-end listens on.
	BindAddr string
	// RPCPort is the port the gRPC server listens on, on BindAddr's host.
	RPCPort       int
	ACLModelFile  string
	ACLPolicyFile string
	// Segment limits for the log. Zero sizes fall back to the log's defaults.
	MaxStoreBytes uint64
	MaxIndexBytes uint64
	InitialOffset uint64
	// Logger defaults to a stderr logger.
	Logger *zerolog.Logger
}

func (c Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s:%d", host, c.RPCPort), nil
}

// An Agent runs on every service instance, setting up and connecting
// all the different components: the log, the gRPC server, the HTTP
// front-end and the metrics registry.
type Agent struct {
	Config

	logger     *zerolog.Logger
	registry   *prometheus.Registry
	authorizer *auth.Authorizer
	log        *log.Log
	server     *grpc.Server
	httpServer *http.Server

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLogger,
		a.setupMetrics,
		a.setupLog,
		a.setupAuthorizer,
		a.setupServer,
		a.setupHTTP,
	}

	for _, fn := range setup {
		if err := fn(); err != nil {
			// release whatever was set up before the failure
			_ = a.Shutdown()
			return nil, err
		}
	}

	return a, nil
}

func (a *Agent) setupLogger() error {
	if a.Config.Logger != nil {
		a.logger = a.Config.Logger
		return nil
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "agent").Logger()
	a.logger = &logger
	return nil
}

func (a *Agent) setupMetrics() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.Register(a.registry)
}

func (a *Agent) setupLog() error {
	c := log.Config{Logger: a.componentLogger("log")}
	c.Segment.MaxStoreBytes = a.Config.MaxStoreBytes
	c.Segment.MaxIndexBytes = a.Config.MaxIndexBytes
	c.Segment.InitialOffset = a.Config.InitialOffset

	var err error
	a.log, err = log.NewLog(a.Config.DataDir, c)
	return err
}

// setupAuthorizer loads the ACL shared by the gRPC and HTTP front-ends.
func (a *Agent) setupAuthorizer() error {
	var err error
	a.authorizer, err = auth.New(
		a.Config.ACLModelFile,
		a.Config.ACLPolicyFile,
	)
	return err
}

func (a *Agent) setupServer() error {
	serverConfig := &server.Config{
		CommitLog:  a.log,
		Authorizer: a.authorizer,
		Logger:     a.componentLogger("server"),
	}
	var opts []grpc.ServerOption
	if a.Config.ServerTLSConfig != nil {
		creds := credentials.NewTLS(a.Config.ServerTLSConfig)
		opts = append(opts, grpc.Creds(creds))
	}

	var err error
	a.server, err = server.NewGRPCServer(serverConfig, opts...)
	if err != nil {
		return err
	}

	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}

	go func() {
		if err := a.server.Serve(ln); err != nil {
			a.logger.Error().Err(err).Str("addr", rpcAddr).Msg("grpc server stopped")
			_ = a.Shutdown()
		}
	}()

	return nil
}

// setupHTTP serves the JSON front-end next to /metrics and /healthz.
func (a *Agent) setupHTTP() error {
	handler, err := server.NewHTTPHandler(&server.Config{
		CommitLog:  a.log,
		Authorizer: a.authorizer,
		Logger:     a.componentLogger("http"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", a.Config.BindAddr)
	if err != nil {
		return err
	}
	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         a.Config.ServerTLSConfig,
	}

	go func() {
		var err error
		if a.Config.ServerTLSConfig != nil {
			err = a.httpServer.ServeTLS(ln, "", "")
		} else {
			err = a.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", a.Config.BindAddr).Msg("http server stopped")
			_ = a.Shutdown()
		}
	}()

	a.logger.Info().
		Str("http_addr", a.Config.BindAddr).
		Int("rpc_port", a.Config.RPCPort).
		Str("data_dir", a.Config.DataDir).
		Msg("agent started")
	return nil
}

func (a *Agent) componentLogger(name string) *zerolog.Logger {
	logger := a.logger.With().Str("component", name).Logger()
	return &logger
}

// This ensures that the agent will shut down once even if
// people call Shutdown() multiple times.
// Then we shut down the agent and its components by:
//  1. Shutting down the HTTP front-end;
//  2. Gracefully stopping the gRPC server;
//  3. Closing the log.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		func() error {
			if a.httpServer == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.httpServer.Shutdown(ctx)
		},
		func() error {
			if a.server == nil {
				return nil
			}
			// open consume streams only end when their clients leave
			stopped := make(chan struct{})
			go func() {
				a.server.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownTimeout):
				a.server.Stop()
			}
			return nil
		},
		func() error {
			if a.log == nil {
				return nil
			}
			return a.log.Close()
		},
	}

	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}

	return nil
}

// Done is closed once the agent starts shutting down.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdowns
}
