package ingestion

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
)

//MessageHandler processes a single stamped message
type MessageHandler interface {
	Handle(ctx context.Context, msg Message) error
}

//Dispatcher fans messages out over a fixed set of workers. Every message with the same
//route key lands on the same worker, so those are handled in the order they arrived.
type Dispatcher struct {
	prefix  string
	handler MessageHandler
	log     logging.Logger
	queues  []chan Message
	dropped uint64

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

//NewDispatcher creates a dispatcher with the given number of workers, each with a queue of depth messages
func NewDispatcher(prefix string, handler MessageHandler, workers, depth int, log logging.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}

	d := &Dispatcher{
		prefix:  prefix,
		handler: handler,
		log:     log,
		queues:  make([]chan Message, workers),
	}

	for i := range d.queues {
		d.queues[i] = make(chan Message, depth)
	}

	return d
}

//Start launches the workers. They keep running until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, queue := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, i, queue)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int, queue chan Message) {
	defer d.wg.Done()

	for msg := range queue {
		if err := d.handler.Handle(ctx, msg); err != nil {
			d.log.Errorf("Worker %d failed to handle message on %s: %s", id, msg.Topic, err.Error())
		}
	}
}

//Submit stamps a message with its arrival time and queues it. It never blocks: the
//message is dropped when the selected worker's queue is full or the dispatcher is stopped.
func (d *Dispatcher) Submit(topic string, payload []byte) {
	msg := Message{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.log.Warnf("Dropping message on %s received during shutdown", topic)
		return
	}

	select {
	case d.queues[d.slot(topic)] <- msg:
	default:
		atomic.AddUint64(&d.dropped, 1)
		d.log.Errorf("Dropping message on %s, the ingestion queue is full", topic)
	}
}

//Dropped returns the number of messages dropped because a queue was full
func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

func (d *Dispatcher) slot(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(ParseTopic(d.prefix, topic).Key()))
	return int(h.Sum32() % uint32(len(d.queues)))
}

//Stop closes the queues and waits until every queued message has been handled
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
