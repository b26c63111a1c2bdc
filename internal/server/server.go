package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/rs/zerolog"
	api "github.com/ttaaoo/commitlog/api/v1"
	"github.com/ttaaoo/commitlog/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type CommitLog interface {
	Append(record *api.Record) (uint64, error)
	Read(offset uint64) (*api.Record, error)
}

type Authorizer interface {
	Authorize(subject, object, action string) error
}

// The constants match the values in the ACL policy file
const (
	objectWildcard = "*"
	produceAction  = "produce"
	consumeAction  = "consume"
)

// pollInterval is how long ConsumeStream waits before retrying an offset that
// has not been produced yet.
const pollInterval = 10 * time.Millisecond

type Config struct {
	CommitLog  CommitLog
	Authorizer Authorizer
	// Logger defaults to a stderr logger tagged with service=server.
	Logger *zerolog.Logger
}

func (c *Config) logger() *zerolog.Logger {
	if c.Logger == nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "server").Logger()
		c.Logger = &logger
	}
	return c.Logger
}

var _ api.LogServer = (*grpcServer)(nil)

type grpcServer struct {
	api.UnimplementedLogServer
	*Config
}

// Consume implements log_v1.LogServer.
func (g *grpcServer) Consume(ctx context.Context, req *api.ConsumeRequest) (*api.ConsumeResponse, error) {
	if err := g.Authorizer.Authorize(
		subject(ctx),
		objectWildcard,
		consumeAction,
	); err != nil {
		metrics.Requests.WithLabelValues("grpc", consumeAction, status.Code(err).String()).Inc()
		return nil, err
	}

	record, err := g.CommitLog.Read(req.Offset)
	if err != nil {
		err = commitLogError(err)
		metrics.Requests.WithLabelValues("grpc", consumeAction, status.Code(err).String()).Inc()
		return nil, err
	}
	metrics.Requests.WithLabelValues("grpc", consumeAction, codes.OK.String()).Inc()
	return &api.ConsumeResponse{Record: record}, nil
}

// ConsumeStream implements log_v1.LogServer.
// It streams records from req.Offset onwards and waits for new ones at the end of the log
// until the client goes away.
func (g *grpcServer) ConsumeStream(req *api.ConsumeRequest, stream grpc.ServerStreamingServer[api.ConsumeResponse]) error {
	ctx := stream.Context()
	if err := g.Authorizer.Authorize(
		subject(ctx),
		objectWildcard,
		consumeAction,
	); err != nil {
		return err
	}

	var outOfRange api.ErrOffsetOutOfRange
	for {
		record, err := g.CommitLog.Read(req.Offset)
		switch {
		case err == nil:
		case errors.As(err, &outOfRange):
			// truncated offsets never come back
			if g.truncated(req.Offset) {
				return outOfRange
			}
			// if the server has read to the end of the log and there is no more data,
			// just wait until someone produces another record to the client
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		default:
			return commitLogError(err)
		}
		if err := stream.Send(&api.ConsumeResponse{Record: record}); err != nil {
			return err
		}
		req.Offset++
	}
}

// truncated reports whether off lies below the lowest offset the log holds.
// Logs that do not report their offsets are assumed to hold everything.
func (c *Config) truncated(off uint64) bool {
	offsets, ok := c.CommitLog.(OffsetRange)
	if !ok {
		return false
	}
	lowest, err := offsets.LowestOffset()
	return err == nil && off < lowest
}

// Produce implements log_v1.LogServer.
func (g *grpcServer) Produce(ctx context.Context, req *api.ProduceRequest) (*api.ProduceResponse, error) {
	if err := g.Authorizer.Authorize(
		subject(ctx),
		objectWildcard,
		produceAction,
	); err != nil {
		metrics.Requests.WithLabelValues("grpc", produceAction, status.Code(err).String()).Inc()
		return nil, err
	}
	if req.Record == nil {
		metrics.Requests.WithLabelValues("grpc", produceAction, codes.InvalidArgument.String()).Inc()
		return nil, status.Error(codes.InvalidArgument, "record is required")
	}
	offset, err := g.CommitLog.Append(req.Record)
	if err != nil {
		g.logger().Error().Err(err).Msg("failed to append record")
		err = commitLogError(err)
		metrics.Requests.WithLabelValues("grpc", produceAction, status.Code(err).String()).Inc()
		return nil, err
	}
	metrics.Requests.WithLabelValues("grpc", produceAction, codes.OK.String()).Inc()
	return &api.ProduceResponse{Offset: offset}, nil
}

// ProduceStream implements log_v1.LogServer.
func (g *grpcServer) ProduceStream(stream grpc.BidiStreamingServer[api.ProduceRequest, api.ProduceResponse]) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := g.Produce(stream.Context(), req)
		if err != nil {
			return err
		}
		if err := stream.Send(res); err != nil {
			return err
		}
	}
}

// commitLogError keeps offset errors as they are, so they reach the client as
// NotFound, and reports every other log failure as Unavailable.
func commitLogError(err error) error {
	var outOfRange api.ErrOffsetOutOfRange
	if errors.As(err, &outOfRange) {
		return outOfRange
	}
	return status.Error(codes.Unavailable, err.Error())
}

func newgrpcServer(config *Config) (srv *grpcServer, err error) {
	if config.CommitLog == nil {
		return nil, errors.New("server: commit log is required")
	}
	if config.Authorizer == nil {
		return nil, errors.New("server: authorizer is required")
	}
	srv = &grpcServer{
		Config: config,
	}

	return srv, nil
}

func NewGRPCServer(config *Config, opts ...grpc.ServerOption) (*grpc.Server, error) {
	srv, err := newgrpcServer(config)
	if err != nil {
		return nil, err
	}

	logger := interceptorLogger(*config.logger())
	recoverer := recovery.WithRecoveryHandler(func(p any) error {
		config.logger().Error().Str("panic", fmt.Sprint(p)).Msg("recovered from panic")
		return status.Error(codes.Internal, "internal error")
	})
	opts = append(opts,
		grpc.ForceServerCodec(api.Codec()),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(recoverer),
			logging.StreamServerInterceptor(logger),
			grpc_auth.StreamServerInterceptor(authenticate),
		),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recoverer),
			logging.UnaryServerInterceptor(logger),
			grpc_auth.UnaryServerInterceptor(authenticate),
		),
	)
	gsrv := grpc.NewServer(opts...)
	api.RegisterLogServer(gsrv, srv)
	return gsrv, nil
}

// interceptorLogger adapts zerolog to the logging interceptor.
func interceptorLogger(l zerolog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l := l.With().Fields(fields).Logger()

		switch lvl {
		case logging.LevelDebug:
			l.Debug().Msg(msg)
		case logging.LevelInfo:
			l.Info().Msg(msg)
		case logging.LevelWarn:
			l.Warn().Msg(msg)
		case logging.LevelError:
			l.Error().Msg(msg)
		default:
			l.Info().Msg(msg)
		}
	})
}

type subjectContextKey struct{}

// return the client's cert's subject so we can identify a client and check their access.
func subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey{}).(string)
	return s
}

// this is an interceptor that reads the subject out of the client's cert
// and writes it to the RPC's context.
// Connections without TLS get an empty subject.
func authenticate(ctx context.Context) (context.Context, error) {
	peer, ok := peer.FromContext(ctx)
	if !ok {
		return ctx, status.New(codes.Unknown, "couldn't find peer info").Err()
	}

	if peer.AuthInfo == nil {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}

	tlsInfo, ok := peer.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return context.WithValue(ctx, subjectContextKey{}, ""), nil
	}
	return context.WithValue(ctx, subjectContextKey{}, tlsSubject(tlsInfo.State)), nil
}

// tlsSubject returns the common name of the verified client certificate.
func tlsSubject(state tls.ConnectionState) string {
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return ""
	}
	return state.VerifiedChains[0][0].Subject.CommonName
}
