// Package orchestrator — state machine выполнения jobs.
//
// Orchestrator — единственный компонент, мутирующий статусы jobs.
// Он принимает сообщения о новых jobs, декомпозирует их по workflow
// declaration на stages и tasks, выполняет tasks через реестр
// handlers и совмещает stages: последний терминальный task stage
// (атомарная детекция в state store) запускает переход на следующий
// stage или финализацию job'а.
//
// Вся логика пакета job-агностична. Доменная специфика живёт
// в workflow declarations и task handlers; добавление нового типа
// job'а не требует изменений здесь.
//
// State store и dispatcher подключаются через интерфейсы JobStore,
// TaskStore и Dispatcher — в продакшене их реализуют repo и mq,
// в тестах in-memory фейки.
package orchestrator
