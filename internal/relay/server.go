package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"carecrypt/internal/domain"
	"carecrypt/internal/wire"
)

// Backend stores bundles and mailboxes for the server.
type Backend interface {
	domain.KeyDistribution
	domain.Transport
	domain.Inbox
}

// Server is the relay's HTTP handler.
type Server struct {
	backend  Backend
	logger   *zap.Logger
	requests *prometheus.CounterVec
	mux      *http.ServeMux
}

// NewServer builds the handler. Request counts are registered on reg when
// it is non-nil.
func NewServer(backend Backend, logger *zap.Logger, reg prometheus.Registerer) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		logger:  logger.Named("relay"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecrypt_relay_requests_total",
			Help: "Relay requests by route and status code.",
		}, []string{"route", "code"}),
		mux: http.NewServeMux(),
	}
	if reg != nil {
		if err := reg.Register(s.requests); err != nil {
			return nil, err
		}
	}
	s.mux.HandleFunc("POST /bundles", s.publish)
	s.mux.HandleFunc("GET /bundles/{peer}", s.fetch)
	s.mux.HandleFunc("POST /frames/{peer}", s.send)
	s.mux.HandleFunc("GET /frames/{peer}", s.receive)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var b domain.PreKeyBundle
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&b); err != nil {
		s.fail(w, "publish", http.StatusBadRequest, err)
		return
	}
	if b.PeerID == "" || b.IdentityKey.IsZero() || b.SigningKey.IsZero() || b.SignedPreKey.IsZero() {
		s.fail(w, "publish", http.StatusBadRequest, errors.New("incomplete bundle"))
		return
	}
	if err := s.backend.PublishBundle(r.Context(), b); err != nil {
		s.fail(w, "publish", http.StatusBadRequest, err)
		return
	}
	s.logger.Info("bundle published", zap.String("peer", b.PeerID.String()), zap.Int("one_time_pre_keys", len(b.OneTimePreKeys)))
	s.ok(w, "publish", http.StatusNoContent)
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(r.PathValue("peer"))
	b, err := s.backend.FetchBundle(r.Context(), peer)
	if errors.Is(err, domain.ErrPeerBundleNotFound) {
		s.fail(w, "fetch", http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, "fetch", http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.ok(w, "fetch", http.StatusOK)
	_ = json.NewEncoder(w).Encode(b)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	to := domain.PeerID(r.PathValue("peer"))
	raw, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxFrameSize+1))
	if err != nil {
		s.fail(w, "send", http.StatusBadRequest, err)
		return
	}
	f, err := wire.UnmarshalFrame(raw)
	if err != nil {
		s.fail(w, "send", http.StatusBadRequest, err)
		return
	}
	if _, err := s.backend.Send(r.Context(), to, f); err != nil {
		s.fail(w, "send", http.StatusInternalServerError, err)
		return
	}
	s.ok(w, "send", http.StatusAccepted)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	me := domain.PeerID(r.PathValue("peer"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, "receive", http.StatusBadRequest, errors.New("bad limit"))
			return
		}
		limit = n
	}
	frames, err := s.backend.Receive(r.Context(), me, limit)
	if err != nil {
		s.fail(w, "receive", http.StatusInternalServerError, err)
		return
	}
	body, err := wire.MarshalFrames(frames)
	if err != nil {
		s.fail(w, "receive", http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	s.ok(w, "receive", http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) ok(w http.ResponseWriter, route string, code int) {
	s.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.WriteHeader(code)
}

func (s *Server) fail(w http.ResponseWriter, route string, code int, err error) {
	s.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	s.logger.Debug("request failed", zap.String("route", route), zap.Int("code", code), zap.Error(err))
	http.Error(w, http.StatusText(code), code)
}
