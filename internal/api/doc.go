// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go     — Handler с DI (репозитории, реестр workflows, publisher)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - job_handler.go — обработчики для /jobs
//
// API предоставляет REST endpoints для отправки jobs и наблюдения
// за их выполнением. Сам API ничего не оркестрирует: отправка — это
// валидация, идемпотентное создание записи и публикация сообщения.
package api
