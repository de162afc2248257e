// Package infra contém as peças concretas do gateway de streams:
//
//   - Stream: canal limitado (backpressure) com codec e contadores
//   - Codec: JSON + zstd com tag de 1 byte no formato do canal
//   - SessionCache: handles vivos com TTL (golang-lru, expiração na leitura)
//   - HTTPExecutor / EchoExecutor: colaboradores downstream
//   - KafkaSink: cópia dos resultados num tópico Kafka
package infra
