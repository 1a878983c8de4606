// Package domain define contratos e tipos de domínio para rate limit e concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// O relógio entra como parâmetro (time.Time) para que as regras sejam testáveis
// sem sleep.
package domain
