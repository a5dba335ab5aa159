package dht

import "time"

// putSlot tracks one recipient of a put broadcast.
type putSlot struct {
	node      *Node
	txid      string
	sentAt    time.Time
	succeeded bool
	failed    bool
	err       error
}

// putQuery is the store-broadcast state machine (spec.md §4.8): once it
// has a set of responders holding valid write tokens, it fans the write
// out to all of them and waits for every recipient to settle.
type putQuery struct {
	target  Id
	request Request

	waitingOnGet bool // true until an iterative GET supplies responders
	slots        map[string]*putSlot
	sendOrder    []string // txids in the order they were dispatched

	done    bool
	result  error
	started time.Time
}

func newPutQuery(target Id, req Request, now time.Time) *putQuery {
	return &putQuery{
		target:  target,
		request: req,
		slots:   make(map[string]*putSlot),
		started: now,
	}
}

// start fans the write out to every responder holding a valid token
// (spec.md §4.8 step 3).
func (p *putQuery) start(responders []*Node, now time.Time, send func(n *Node) (string, error)) {
	p.waitingOnGet = false

	any := false
	for _, n := range responders {
		if !n.ValidToken() {
			continue
		}
		any = true
		req := p.request
		req.Token = string(n.Token)
		txid, err := send(n)
		if err != nil {
			continue
		}
		p.slots[txid] = &putSlot{node: n, txid: txid, sentAt: now}
		p.sendOrder = append(p.sendOrder, txid)
	}
	if !any {
		p.done = true
		p.result = NoClosestNodes{}
	}
}

func (p *putQuery) handleSuccess(txid string) {
	if s, ok := p.slots[txid]; ok {
		s.succeeded = true
	}
	p.checkDone()
}

func (p *putQuery) handleError(txid string, err error) {
	if s, ok := p.slots[txid]; ok {
		s.failed = true
		s.err = err
	}
	p.checkDone()
}

func (p *putQuery) handleTimeout(txid string) {
	if s, ok := p.slots[txid]; ok {
		s.failed = true
		s.err = Timeout{}
	}
	p.checkDone()
}

// checkDone finishes the query once every dispatched slot has settled
// (spec.md §4.8 step 5): success if at least one node stored the value,
// otherwise the first error encountered.
func (p *putQuery) checkDone() {
	if p.done || len(p.slots) == 0 {
		return
	}
	successCount := 0
	var firstErr error
	for _, txid := range p.sendOrder {
		s := p.slots[txid]
		if !s.succeeded && !s.failed {
			return // still waiting on this recipient
		}
		if s.succeeded {
			successCount++
		} else if firstErr == nil {
			firstErr = s.err
		}
	}
	p.done = true
	if successCount > 0 {
		p.result = nil
	} else {
		p.result = firstErr
	}
}

// isDone reports whether the put has settled, either because it has
// started and every recipient answered, or because it bailed out before
// starting (e.g. no candidates with tokens).
func (p *putQuery) isDone() bool {
	return p.done
}
