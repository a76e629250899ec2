// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//   - router.go     — выбор транспорта по размеру fan-out'а
//
// Exchanges:
//   - mosaic.jobs   — события jobs (jobs.submitted)
//   - mosaic.tasks  — события tasks (tasks.ready, tasks.ready.bulk)
//   - mosaic.dlq    — dead letter queue
//
// Обе task-очереди несут одно и то же логическое сообщение TaskMessage:
// оркестратор и воркер никогда не ветвятся по транспорту.
package mq
