package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/ttaaoo/commitlog/internal/agent"
	"github.com/ttaaoo/commitlog/internal/config"
)

func main() {
	logger := newLogger()

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	cfg.Logger = &logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start agent")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case <-a.Done():
	}
	if err := a.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		os.Exit(1)
	}
}

func parseConfig(args []string) (agent.Config, error) {
	fs := flag.NewFlagSet("commitlog", flag.ContinueOnError)

	dataDir := fs.String("data-dir", envOrDefault("COMMITLOG_DATA_DIR", filepath.Join(os.TempDir(), "commitlog")), "directory holding the segment files")
	bindAddr := fs.String("bind-addr", envOrDefault("COMMITLOG_BIND_ADDR", "127.0.0.1:8400"), "host:port the HTTP front-end listens on")
	rpcPort := fs.Int("rpc-port", parseEnvInt("COMMITLOG_RPC_PORT", 8401), "port the gRPC server listens on")
	maxStoreBytes := fs.Uint64("max-store-bytes", parseEnvUint64("COMMITLOG_MAX_STORE_BYTES", 0), "store size that triggers a new segment, 0 for the default")
	maxIndexBytes := fs.Uint64("max-index-bytes", parseEnvUint64("COMMITLOG_MAX_INDEX_BYTES", 0), "index size that triggers a new segment, 0 for the default")
	initialOffset := fs.Uint64("initial-offset", parseEnvUint64("COMMITLOG_INITIAL_OFFSET", 0), "offset of the first record in an empty log")
	aclModel := fs.String("acl-model-file", envOrDefault("COMMITLOG_ACL_MODEL_FILE", config.ACLModelFile), "casbin model")
	aclPolicy := fs.String("acl-policy-file", envOrDefault("COMMITLOG_ACL_POLICY_FILE", config.ACLPolicyFile), "casbin policy")
	certFile := fs.String("server-tls-cert-file", os.Getenv("COMMITLOG_SERVER_TLS_CERT_FILE"), "server certificate, enables TLS")
	keyFile := fs.String("server-tls-key-file", os.Getenv("COMMITLOG_SERVER_TLS_KEY_FILE"), "server key")
	caFile := fs.String("server-tls-ca-file", os.Getenv("COMMITLOG_SERVER_TLS_CA_FILE"), "CA that signs client certificates")

	if err := fs.Parse(args); err != nil {
		return agent.Config{}, err
	}

	cfg := agent.Config{
		DataDir:       *dataDir,
		BindAddr:      *bindAddr,
		RPCPort:       *rpcPort,
		ACLModelFile:  *aclModel,
		ACLPolicyFile: *aclPolicy,
		MaxStoreBytes: *maxStoreBytes,
		MaxIndexBytes: *maxIndexBytes,
		InitialOffset: *initialOffset,
	}

	tlsConfig, err := serverTLSConfig(*certFile, *keyFile, *caFile, *bindAddr)
	if err != nil {
		return agent.Config{}, err
	}
	cfg.ServerTLSConfig = tlsConfig
	return cfg, nil
}

// serverTLSConfig returns nil when no certificate is configured, which serves
// both front-ends in plaintext.
func serverTLSConfig(certFile, keyFile, caFile, bindAddr string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		if caFile != "" {
			return nil, errors.New("a CA file needs a server certificate")
		}
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("both the server certificate and key are required")
	}
	host := bindAddr
	if i := strings.LastIndex(bindAddr, ":"); i >= 0 {
		host = bindAddr[:i]
	}
	return config.SetupTLSConfig(config.TLSConfig{
		CertFile:      certFile,
		KeyFile:       keyFile,
		CAFile:        caFile,
		ServerAddress: host,
		Server:        true,
	})
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stderr).
		Level(logLevel(os.Getenv("COMMITLOG_LOG_LEVEL"))).
		With().Timestamp().Str("service", "commitlog").Logger()
}

// logLevel parses a zerolog level name, defaulting to info.
func logLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvUint64(name string, fallback uint64) uint64 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
