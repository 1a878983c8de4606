// Package gateway resolve o backend de cada request por prefixo de path e
// encaminha a request para ele.
//
// Regras da tabela padrão:
//
//	/service1, /service1/...  -> http://127.0.0.1:8001/
//	/service2, /service2/...  -> http://127.0.0.1:8002/
//	qualquer outro path       -> http://127.0.0.1:8001/
//
// O path não é reescrito: o backend recebe o mesmo path que o gateway recebeu.
// Falha de transporte (conexão recusada, DNS, timeout) vira 502 com
// "Upstream request failed: ..."; status de erro do próprio upstream passa direto.
package gateway
