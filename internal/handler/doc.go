// Package handler — реестр task handlers и execution context.
//
// Handler — единица доменной логики для одного типа task'а.
// Реестр принадлежит доменному коду и заполняется при старте;
// оркестратор делает по нему dynamic dispatch по строковому ключу.
//
// Execution context даёт handler'у lineage lookup: чтение результата
// task'а с тем же key на предыдущем stage.
package handler
