package gateway

import (
	"context"
	"errors"
	"net"
)

// Falhas de transporte com o upstream. Todas viram 502 para o cliente; a
// distinção serve para logs e métricas.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamCanceled    = errors.New("upstream call canceled by client")
)

// UpstreamError carrega a classe da falha e o erro original do http.Client.
type UpstreamError struct {
	Kind    error
	Backend string
	Err     error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() []error { return []error{e.Kind, e.Err} }

func classify(ctx context.Context, backend string, err error) *UpstreamError {
	kind := ErrUpstreamUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		kind = ErrUpstreamCanceled
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrUpstreamTimeout
	}
	return &UpstreamError{Kind: kind, Backend: backend, Err: err}
}

// KindLabel é o rótulo curto usado em métricas.
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamCanceled):
		return "canceled"
	default:
		return "unreachable"
	}
}
