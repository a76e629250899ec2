// Package worker — stateless исполнитель tasks.
//
// Worker потребляет сообщения из обеих task-очередей (низколатентной
// и batch) и polling fallback'ом подбирает queued tasks из state
// store. Сам он ничего не решает: каждое сообщение передаётся
// в Processor, где живёт вся state machine выполнения.
package worker
