package oprec

import "github.com/tuannm99/novatup/internal/pagepool"

// Anchor is the op pointer word of a row.
type Anchor interface {
	OpPtr() uint32
	SetOpPtr(uint32)
}

// Push makes h the newest operation on the row.
func (p *Pool) Push(a Anchor, h Handle) error {
	r, err := p.Get(h)
	if err != nil {
		return err
	}
	head := a.OpPtr()
	r.prev = head
	r.next = pagepool.RNIL
	if head != pagepool.RNIL {
		p.recs[head].next = h.Idx
	}
	a.SetOpPtr(h.Idx)
	return nil
}

// Unlink removes h from the row's chain.
func (p *Pool) Unlink(a Anchor, h Handle) error {
	r, err := p.Get(h)
	if err != nil {
		return err
	}
	if r.next == pagepool.RNIL {
		if a.OpPtr() != h.Idx {
			return ErrNotInChain
		}
		a.SetOpPtr(r.prev)
	} else {
		p.recs[r.next].prev = r.prev
	}
	if r.prev != pagepool.RNIL {
		p.recs[r.prev].next = r.next
	}
	r.prev, r.next = pagepool.RNIL, pagepool.RNIL
	return nil
}

// Head is the newest operation on the row.
func (p *Pool) Head(a Anchor) (Handle, bool) {
	idx := a.OpPtr()
	if idx == pagepool.RNIL || int(idx) >= len(p.recs) {
		return NullHandle, false
	}
	return p.handle(idx), true
}

// Prev is the next older operation.
func (p *Pool) Prev(h Handle) (Handle, bool) {
	r, err := p.Get(h)
	if err != nil || r.prev == pagepool.RNIL {
		return NullHandle, false
	}
	return p.handle(r.prev), true
}

// Next is the next newer operation.
func (p *Pool) Next(h Handle) (Handle, bool) {
	r, err := p.Get(h)
	if err != nil || r.next == pagepool.RNIL {
		return NullHandle, false
	}
	return p.handle(r.next), true
}

// First walks to the oldest operation of h's chain.
func (p *Pool) First(h Handle) Handle {
	for {
		prev, ok := p.Prev(h)
		if !ok {
			return h
		}
		h = prev
	}
}

// IsLast reports whether h is the newest operation of its chain.
func (p *Pool) IsLast(h Handle) bool {
	_, ok := p.Next(h)
	return !ok
}

// Chain lists the row's operations oldest first.
func (p *Pool) Chain(a Anchor) []Handle {
	var out []Handle
	for idx := a.OpPtr(); idx != pagepool.RNIL; idx = p.recs[idx].prev {
		out = append(out, p.handle(idx))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Swap exchanges the chain positions of x and y together with their
// payloads, states and user refs, so what the chain carries keeps its order
// while the handles trade places.
func (p *Pool) Swap(a Anchor, x, y Handle) error {
	rx, err := p.Get(x)
	if err != nil {
		return err
	}
	ry, err := p.Get(y)
	if err != nil {
		return err
	}
	if x == y {
		return nil
	}

	chain := p.Chain(a)
	ix, iy := -1, -1
	for i, h := range chain {
		switch h {
		case x:
			ix = i
		case y:
			iy = i
		}
	}
	if ix < 0 || iy < 0 {
		return ErrNotInChain
	}
	chain[ix], chain[iy] = chain[iy], chain[ix]
	rx.Payload, ry.Payload = ry.Payload, rx.Payload
	rx.State, ry.State = ry.State, rx.State
	rx.UserRef, ry.UserRef = ry.UserRef, rx.UserRef

	for i, h := range chain {
		r := &p.recs[h.Idx]
		r.prev, r.next = pagepool.RNIL, pagepool.RNIL
		if i > 0 {
			r.prev = chain[i-1].Idx
		}
		if i+1 < len(chain) {
			r.next = chain[i+1].Idx
		}
	}
	a.SetOpPtr(chain[len(chain)-1].Idx)
	return nil
}

// HandOver exchanges the payloads and states of from and to without moving
// either record in the chain.
func (p *Pool) HandOver(from, to Handle) error {
	rf, err := p.Get(from)
	if err != nil {
		return err
	}
	rt, err := p.Get(to)
	if err != nil {
		return err
	}
	rf.Payload, rt.Payload = rt.Payload, rf.Payload
	rf.State, rt.State = rt.State, rf.State
	return nil
}

// Any reports whether some record in use satisfies fn.
func (p *Pool) Any(fn func(*Record) bool) bool {
	for i := range p.recs {
		if p.recs[i].inUse && fn(&p.recs[i]) {
			return true
		}
	}
	return false
}
