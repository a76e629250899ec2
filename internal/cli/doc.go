// Package cli содержит реализацию командной строки Mosaic.
//
// CLI — тонкий HTTP-клиент к API: отправка jobs и наблюдение за их
// выполнением. Типы ответов дублируются из api/dto.go, чтобы бинарь
// CLI не тянул серверные зависимости.
package cli
