// Package requestid propaga um id de correlação por request para os logs.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header é o header lido da request de entrada (quando o cliente já manda um id).
const Header = "X-Request-ID"

type ctxKey struct{}

// Middleware garante um id no contexto da request. Não altera headers
// repassados ao upstream nem a resposta.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}

func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext devolve "" quando não há id.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
