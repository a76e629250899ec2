// Package reaper — восстановление tasks после смерти воркера.
//
// Reaper по cron-расписанию ищет PROCESSING tasks с устаревшим
// heartbeat'ом, возвращает их в QUEUED и переотправляет сообщения.
// Это замыкает гарантию живости системы: упавший воркер не может
// навсегда заморозить stage.
package reaper
