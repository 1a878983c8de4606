package gateway

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ratelimit-gateway/middleware/requestid"
)

// DefaultTimeout é o teto de cada chamada ao upstream (conexão + resposta + corpo).
const DefaultTimeout = 30 * time.Second

// UpstreamFailedPrefix abre o corpo das respostas 502.
const UpstreamFailedPrefix = "Upstream request failed: "

// Observer recebe o resultado de cada chamada ao upstream (ex: métricas).
// err é nil em caso de sucesso; status é 0 quando não houve resposta.
type Observer interface {
	ObserveUpstream(backend string, status int, err error, took time.Duration)
}

// Proxy encaminha a request para o backend resolvido pela RouteTable e devolve a
// resposta do upstream sem alterações.
//
// Um único http.Client (e pool de conexões) é compartilhado por todas as requests.
type Proxy struct {
	routes   *RouteTable
	client   *http.Client
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
}

type Option func(*Proxy)

// WithClient troca o http.Client. O timeout por chamada continua valendo via contexto.
func WithClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

func WithObserver(o Observer) Option {
	return func(p *Proxy) { p.observer = o }
}

func NewProxy(routes *RouteTable, opts ...Option) *Proxy {
	p := &Proxy{
		routes:  routes,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.routes == nil {
		p.routes = DefaultRouteTable()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.client == nil {
		p.client = NewUpstreamClient()
	}
	return p
}

// NewUpstreamClient cria o client compartilhado: não segue redirects (o 3xx volta
// para o cliente como veio) e não pede compressão por conta própria (o corpo é
// repassado byte a byte).
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (p *Proxy) Routes() *RouteTable { return p.routes }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	backend, target := p.routes.Target(r.URL)

	// cliente desconectado cancela r.Context(); o timeout é o teto absoluto
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	req, err := newUpstreamRequest(ctx, r, target)
	if err != nil {
		p.fail(w, r, start, &UpstreamError{Kind: ErrUpstreamUnreachable, Backend: backend, Err: err})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(w, r, start, classify(r.Context(), backend, err))
		return
	}
	defer resp.Body.Close()

	// lê o corpo inteiro antes de responder: falha no meio do corpo ainda vira 502
	var body bytes.Buffer
	if _, err := io.Copy(&body, resp.Body); err != nil {
		p.fail(w, r, start, classify(r.Context(), backend, err))
		return
	}

	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := body.WriteTo(w); err != nil {
		p.logger.Debug("write to client failed", zap.String("backend", backend), zap.Error(err))
	}

	took := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveUpstream(backend, resp.StatusCode, nil, took)
	}
	p.logger.Debug("proxied request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("backend", backend),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", took),
		zap.String("request_id", requestid.FromContext(r.Context())),
	)
}

// newUpstreamRequest copia método, query, corpo e headers; só o Host fica de fora
// para que o client use o host do backend.
func newUpstreamRequest(ctx context.Context, r *http.Request, target string) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}

	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Del("Host")
	return req, nil
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, start time.Time, uerr *UpstreamError) {
	took := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveUpstream(uerr.Backend, 0, uerr, took)
	}

	logf := p.logger.Warn
	if KindLabel(uerr) == "canceled" {
		logf = p.logger.Debug
	}
	logf("upstream request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("backend", uerr.Backend),
		zap.String("kind", KindLabel(uerr)),
		zap.Duration("took", took),
		zap.String("request_id", requestid.FromContext(r.Context())),
		zap.Error(uerr.Err),
	)

	http.Error(w, UpstreamFailedPrefix+uerr.Error(), http.StatusBadGateway)
}
