package watch

import (
	"sync"
	"time"
)

// moveCorrelationWindow is how long a pending Rename waits for a paired
// Create before it is reported as a bare Deleted.
const moveCorrelationWindow = 100 * time.Millisecond

type pendingRename struct {
	srcPath string
	isDir   bool
	timer   *time.Timer
}

// Correlator pairs a bare fsnotify Rename (which carries only the old path)
// with the Create that follows it (which carries only the new path) into a
// single RawMoved event. fsnotify, unlike some other watcher libraries,
// never emits a rename with both paths attached, so this reconstructs that
// pairing from arrival order within a short window. An unmatched Rename is
// emitted as a bare RawDeleted once its window elapses.
//
// wg tracks every correlation-window timer that has fired and is (or is
// about to be) running expire. Close waits on it so a caller that closes out
// right after Close returns can never race an in-flight expire's send.
type Correlator struct {
	mu      sync.Mutex
	pending []*pendingRename
	out     chan<- RawEvent
	wg      sync.WaitGroup
}

// NewCorrelator returns a Correlator that writes reconstructed events to out.
func NewCorrelator(out chan<- RawEvent) *Correlator {
	return &Correlator{out: out}
}

// Rename registers a pending rename for srcPath, starting its correlation
// window.
func (c *Correlator) Rename(srcPath string, isDir bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr := &pendingRename{srcPath: srcPath, isDir: isDir}
	c.wg.Add(1)
	pr.timer = time.AfterFunc(moveCorrelationWindow, func() {
		defer c.wg.Done()
		c.expire(pr)
	})
	c.pending = append(c.pending, pr)
}

func (c *Correlator) expire(pr *pendingRename) {
	c.mu.Lock()
	removed := c.remove(pr)
	c.mu.Unlock()
	if removed {
		c.out <- RawEvent{Kind: RawDeleted, SrcPath: pr.srcPath, IsDir: pr.isDir}
	}
}

// cancel stops pr's timer. If the stop actually prevented the timer from
// firing, the caller is taking over responsibility for the wg.Add(1) Rename
// made on pr's behalf, so it accounts for that here; if the timer had
// already fired, its own goroutine owns that accounting instead.
func (c *Correlator) cancel(pr *pendingRename) {
	if pr.timer.Stop() {
		c.wg.Done()
	}
}

func (c *Correlator) remove(pr *pendingRename) bool {
	for i, p := range c.pending {
		if p == pr {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Create reports a Created event at path. If a pending rename is waiting,
// it is paired with this create into a RawMoved event; otherwise the create
// is forwarded unchanged.
func (c *Correlator) Create(path string, isDir bool) {
	c.mu.Lock()
	var pr *pendingRename
	if len(c.pending) > 0 {
		pr = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if pr == nil {
		c.out <- RawEvent{Kind: RawCreated, SrcPath: path, IsDir: isDir}
		return
	}
	c.cancel(pr)
	c.out <- RawEvent{Kind: RawMoved, SrcPath: pr.srcPath, DestPath: path, IsDir: isDir || pr.isDir}
}

// Close cancels any pending rename timers without flushing them as deletes,
// then blocks until every correlation-window timer that had already fired
// has finished running expire. Once Close returns, the Correlator is
// guaranteed to never send on out again, so the caller may safely close out
// immediately afterward.
func (c *Correlator) Close() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pr := range pending {
		c.cancel(pr)
	}
	c.wg.Wait()
}
