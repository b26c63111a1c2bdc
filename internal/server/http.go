package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	api "github.com/ttaaoo/commitlog/api/v1"
	"github.com/ttaaoo/commitlog/internal/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OffsetRange is implemented by logs that can report the offsets they hold.
type OffsetRange interface {
	LowestOffset() (uint64, error)
	HighestOffset() (uint64, error)
}

type httpServer struct {
	*Config
}

// NewHTTPHandler serves the log over JSON:
//
//	POST /         {"record": {"value": ...}} -> {"offset": n}
//	GET  /         {"offset": n} or ?offset=n -> {"record": {...}}
//	GET  /offsets  -> {"lowest": n, "highest": n}
//
// Record values are base64 encoded, as encoding/json does for []byte.
func NewHTTPHandler(config *Config) (http.Handler, error) {
	if config.CommitLog == nil {
		return nil, errors.New("server: commit log is required")
	}
	config.logger()
	s := &httpServer{Config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleProduce)
	mux.HandleFunc("GET /{$}", s.handleConsume)
	mux.HandleFunc("GET /offsets", s.handleOffsets)
	return mux, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type offsetsResponse struct {
	Lowest  uint64  `json:"lowest"`
	Highest *uint64 `json:"highest,omitempty"`
}

func (s *httpServer) handleProduce(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, produceAction); err != nil {
		s.writeError(w, produceAction, http.StatusForbidden, err)
		return
	}

	var req api.ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, produceAction, http.StatusBadRequest, err)
		return
	}
	if req.Record == nil {
		s.writeError(w, produceAction, http.StatusBadRequest, errors.New("record is required"))
		return
	}

	off, err := s.CommitLog.Append(req.Record)
	if err != nil {
		s.Logger.Error().Err(err).Msg("failed to append record")
		s.writeError(w, produceAction, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, produceAction, http.StatusOK, api.ProduceResponse{Offset: off})
}

func (s *httpServer) handleConsume(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, consumeAction); err != nil {
		s.writeError(w, consumeAction, http.StatusForbidden, err)
		return
	}

	var req api.ConsumeRequest
	if q := r.URL.Query().Get("offset"); q != "" {
		off, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			s.writeError(w, consumeAction, http.StatusBadRequest, err)
			return
		}
		req.Offset = off
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, consumeAction, http.StatusBadRequest, err)
		return
	}

	record, err := s.CommitLog.Read(req.Offset)
	var outOfRange api.ErrOffsetOutOfRange
	switch {
	case err == nil:
	case errors.As(err, &outOfRange):
		s.writeError(w, consumeAction, http.StatusNotFound, errors.New(outOfRange.GRPCStatus().Message()))
		return
	default:
		s.Logger.Error().Err(err).Uint64("offset", req.Offset).Msg("failed to read record")
		s.writeError(w, consumeAction, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, consumeAction, http.StatusOK, api.ConsumeResponse{Record: record})
}

func (s *httpServer) handleOffsets(w http.ResponseWriter, r *http.Request) {
	const op = "offsets"
	if err := s.authorize(r, consumeAction); err != nil {
		s.writeError(w, op, http.StatusForbidden, err)
		return
	}
	offsets, ok := s.CommitLog.(OffsetRange)
	if !ok {
		s.writeError(w, op, http.StatusNotImplemented, errors.New("log does not report offsets"))
		return
	}

	lowest, err := offsets.LowestOffset()
	if err != nil {
		s.writeError(w, op, http.StatusServiceUnavailable, err)
		return
	}
	res := offsetsResponse{Lowest: lowest}
	// an empty log has no highest offset
	if highest, err := offsets.HighestOffset(); err == nil {
		res.Highest = &highest
	}
	s.writeJSON(w, op, http.StatusOK, res)
}

// authorize checks the verified client certificate's subject, or the empty
// subject for plain connections, when an authorizer is configured.
func (s *httpServer) authorize(r *http.Request, action string) error {
	if s.Authorizer == nil {
		return nil
	}
	subject := ""
	if r.TLS != nil {
		subject = tlsSubject(*r.TLS)
	}
	if err := s.Authorizer.Authorize(subject, objectWildcard, action); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.PermissionDenied {
			return errors.New(st.Message())
		}
		return err
	}
	return nil
}

func (s *httpServer) writeJSON(w http.ResponseWriter, op string, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn().Err(err).Str("operation", op).Msg("failed to write response")
	}
	metrics.Requests.WithLabelValues("http", op, strconv.Itoa(code)).Inc()
}

func (s *httpServer) writeError(w http.ResponseWriter, op string, code int, err error) {
	s.writeJSON(w, op, code, errorResponse{Error: err.Error()})
}
