// Package domain содержит основные модели предметной области:
// Job, Task, их статусы и детерминированные идентификаторы.
//
// Инварианты:
//   - job_id — контентный хэш (job_type, parameters), ключ идемпотентности
//   - task_id — композит (job_id, stage, key), уникален и трассируем
//   - набор tasks для пары (job, stage) фиксируется при создании
//   - current_stage растёт только когда все tasks stage терминальны
//   - терминальный job неизменяем
package domain
