// Package ratelimit fornece adapters HTTP (net/http) para rate limit e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão allow/deny, acquire/timeout) sem net/http
//   - infra: implementações concretas (token bucket, registro por chave, stats, semáforo)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (endereço do peer; header/XFF só se configurados)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, responde 429 (rate limit) ou 503 (concorrência), sem chamar o upstream
//  4. Se permitido, chama o próximo handler (o proxy do pacote gateway)
//
// Sem endereço do peer, a chave cai em SharedFallbackKey: esses clientes
// dividem um bucket só.
package ratelimit
