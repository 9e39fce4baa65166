package frontier

import "sync"

// waitingEntry is an entry not yet handed out. stored is set while its
// document is still in the queue store and must be removed on hand-out.
type waitingEntry struct {
	Entry
	stored bool
}

// sessionQueues is the in-memory overlay of one session. waiting holds
// entries not yet handed out; crawling remembers the most recent hand-outs,
// bounded by maxCrawling.
type sessionQueues struct {
	// refill serializes the store fetch of Poll for this session.
	refill sync.Mutex

	mu          sync.Mutex
	waiting     []Entry
	head        int
	inWaiting   map[string]int
	stored      map[string]struct{}
	crawling    []Entry
	inCrawling  map[string]int
	maxCrawling int
}

func newSessionQueues(maxCrawling int) *sessionQueues {
	return &sessionQueues{
		inWaiting:   make(map[string]int),
		stored:      make(map[string]struct{}),
		inCrawling:  make(map[string]int),
		maxCrawling: maxCrawling,
	}
}

// pushWaiting appends entries already claimed from the store whose URL is
// not resident in the overlay and reports how many were added.
func (q *sessionQueues) pushWaiting(entries ...Entry) int {
	return q.push(false, entries)
}

// pushStored is pushWaiting for entries whose documents stay in the store
// until they are handed out.
func (q *sessionQueues) pushStored(entries ...Entry) int {
	return q.push(true, entries)
}

func (q *sessionQueues) push(stored bool, entries []Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, e := range entries {
		if q.inWaiting[e.URL] > 0 {
			if !stored {
				// a refill claimed the document of an offered entry
				delete(q.stored, e.URL)
			}
			continue
		}
		if q.inCrawling[e.URL] > 0 {
			continue
		}
		q.waiting = append(q.waiting, e)
		q.inWaiting[e.URL]++
		if stored {
			q.stored[e.URL] = struct{}{}
		}
		added++
	}
	return added
}

// popWaiting removes the oldest waiting entry.
func (q *sessionQueues) popWaiting() (waitingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popWaitingLocked()
}

// next pops the oldest waiting entry and records it as handed out in one
// step, so a concurrent refill never sees it in neither queue.
func (q *sessionQueues) next() (waitingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.popWaitingLocked()
	if ok {
		q.dispatchLocked(e.Entry)
	}
	return e, ok
}

func (q *sessionQueues) popWaitingLocked() (waitingEntry, bool) {
	if q.head >= len(q.waiting) {
		return waitingEntry{}, false
	}
	e := waitingEntry{Entry: q.waiting[q.head]}
	q.waiting[q.head] = Entry{}
	q.head++
	if q.head == len(q.waiting) {
		q.waiting = q.waiting[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.waiting) {
		q.waiting = append(q.waiting[:0], q.waiting[q.head:]...)
		q.head = 0
	}
	decrement(q.inWaiting, e.URL)
	if _, ok := q.stored[e.URL]; ok && q.inWaiting[e.URL] == 0 {
		delete(q.stored, e.URL)
		e.stored = true
	}
	return e, true
}

// dispatch records e as handed out, evicting the oldest hand-out when full.
func (q *sessionQueues) dispatch(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchLocked(e)
}

func (q *sessionQueues) dispatchLocked(e Entry) {
	if q.maxCrawling <= 0 {
		return
	}
	for len(q.crawling) >= q.maxCrawling {
		decrement(q.inCrawling, q.crawling[0].URL)
		q.crawling[0] = Entry{}
		q.crawling = q.crawling[1:]
	}
	q.crawling = append(q.crawling, e)
	q.inCrawling[e.URL]++
}

func (q *sessionQueues) isWaiting(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inWaiting[url] > 0
}

func (q *sessionQueues) isCrawling(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inCrawling[url] > 0
}

func (q *sessionQueues) contains(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inWaiting[url] > 0 || q.inCrawling[url] > 0
}

// drainWaiting empties waiting and returns its entries oldest first.
func (q *sessionQueues) drainWaiting() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]Entry(nil), q.waiting[q.head:]...)
	q.waiting = nil
	q.head = 0
	clear(q.inWaiting)
	clear(q.stored)
	return out
}

// sizes reports the waiting and crawling lengths. claimed counts the
// waiting entries that no longer have a document in the store.
func (q *sessionQueues) sizes() (waiting, crawling, claimed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting = len(q.waiting) - q.head
	return waiting, len(q.crawling), waiting - len(q.stored)
}

func decrement(counts map[string]int, key string) {
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}

// overlays owns every session's queues. Each session's queues are created
// exactly once, on first use.
type overlays struct {
	mu          sync.Mutex
	sessions    map[string]*sessionQueues
	maxCrawling int
}

func newOverlays(maxCrawling int) *overlays {
	return &overlays{sessions: make(map[string]*sessionQueues), maxCrawling: maxCrawling}
}

func (o *overlays) get(sessionID string) *sessionQueues {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.sessions[sessionID]
	if !ok {
		q = newSessionQueues(o.maxCrawling)
		o.sessions[sessionID] = q
	}
	return q
}

func (o *overlays) lookup(sessionID string) (*sessionQueues, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.sessions[sessionID]
	return q, ok
}

func (o *overlays) remove(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, sessionID)
}

func (o *overlays) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = make(map[string]*sessionQueues)
}

func (o *overlays) snapshot() map[string]*sessionQueues {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*sessionQueues, len(o.sessions))
	for id, q := range o.sessions {
		out[id] = q
	}
	return out
}
