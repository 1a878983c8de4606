// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - TokenBucket: token bucket com refill preguiçoso e mutex por bucket
//   - Store: registro de buckets por chave (LRU limitado + janitor de ociosos),
//     com engine própria ou golang.org/x/time/rate
//   - MemoryStatsStore / RedisStatsStore / MultiStatsStore: estatísticas de decisão
//   - ChanPool: semáforo simples para limite de concorrência
package infra
