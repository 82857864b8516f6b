package worker

import (
	"sync"

	"github.com/ngaut/log"
)

// Task is a unit of background work. Handlers type-switch on the concrete
// task types they accept.
type Task interface{}

// taskStop is the poison pill sent by Stop.
type taskStop struct{}

type TaskHandler interface {
	Handle(t Task)
}

// Worker drains a task channel on its own goroutine. The transaction manager
// uses one to abort deadlock victims without blocking the detection loop.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   ch,
		receiver: ch,
		name:     name,
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			task := <-w.receiver
			if _, ok := task.(taskStop); ok {
				log.Debugf("worker %s stopped", w.name)
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- taskStop{}
}
