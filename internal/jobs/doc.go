// Package jobs — доменные пайплайны: workflow declarations и task
// handlers.
//
// Это единственный пакет, который знает предметную область.
// Добавление нового типа job'а — это новая declaration, её handlers
// и строчка в RegisterAll; оркестрация, маршрутизация и state store
// не меняются.
package jobs
