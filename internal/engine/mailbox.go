package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/stratis-storage/stratisd-go/safeguards"
)

// mailboxJob is one piece of work destined for a single pool's mailbox
// goroutine: a thunk plus the channel its synchronous caller is blocked
// on. This is how spec §5's "strictly serialized, no two mutations ever
// interleave their side effects" guarantee is realized without explicit
// per-mutation locking: every RequestHandler mutation for one pool
// funnels through the same channel, drained by one goroutine. Discovery
// events do not pass through it: RunHotplug hands them to
// discovery.Pipeline.Handle on the hotplug goroutine, so they are not
// ordered with the pool's mutations.
type mailboxJob struct {
	fn   func() error
	done chan error
}

// mailbox is one pool's serialization point. It is created when a pool
// is registered (PoolCreate, or StartPool once assembly brings a pool
// up) and closed when the pool is destroyed. Every job runs under
// safeguards.RecoverableOperation: a panic inside one mutation must not
// take the goroutine down, since that would wedge every later submit
// call against this pool forever.
type mailbox struct {
	jobs chan mailboxJob
	stop chan struct{}
	name string
	log  logrus.FieldLogger
}

func newMailbox(poolName string, logger logrus.FieldLogger) *mailbox {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &mailbox{jobs: make(chan mailboxJob), stop: make(chan struct{}), name: poolName, log: logger}
	go m.run()
	return m
}

func (m *mailbox) run() {
	for {
		select {
		case j := <-m.jobs:
			j.done <- safeguards.RecoverableOperation(m.log, "pool-mutation:"+m.name, j.fn)
		case <-m.stop:
			return
		}
	}
}

// submit runs fn on the mailbox goroutine and blocks for its result.
// RequestHandler mutations go through submit, which is what gives them a
// single total order per pool; discovery events do not.
func (m *mailbox) submit(fn func() error) error {
	j := mailboxJob{fn: fn, done: make(chan error, 1)}
	m.jobs <- j
	return <-j.done
}

// close stops the mailbox goroutine. Called once, by PoolDestroy; PoolStop
// and an in-place PoolStart keep the same mailbox for the pool's lifetime
// in the registry.
func (m *mailbox) close() {
	close(m.stop)
}
