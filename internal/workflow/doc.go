// Package workflow — декларативный контракт типов job'ов.
//
// Declaration описывает job: упорядоченные stages, валидацию
// параметров и чистую функцию порождения tasks для каждого stage.
// Registry — process-wide реестр declarations, заполняемый при старте.
//
// Оркестратор не содержит job-специфичных ветвлений: всё специфичное
// живёт в реализациях Declaration (см. internal/jobs).
package workflow
