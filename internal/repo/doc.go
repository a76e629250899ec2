// Package repo — слой хранения поверх Postgres (pgx).
//
// Структура:
//   - db.go        — создание пула соединений
//   - schema.go    — идемпотентная схема БД
//   - job_repo.go  — операции над jobs (create, advance, finish)
//   - task_repo.go — операции над tasks, включая атомарный
//     CompleteAndCheckStage с advisory lock по (job, stage)
//
// Все операции однотранзакционны и идемпотентны при повторной
// доставке сообщений: create с ON CONFLICT DO NOTHING, мутации
// с guard'ами по статусу.
package repo
