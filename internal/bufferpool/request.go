package bufferpool

import "log/slog"

type pageRequest struct {
	tag PageTag
	cb  func()
}

// Requests is the asynchronous front of the pool for one partition: a
// page that is not resident is queued and its callback fires from
// ProcessIO once the page has been read. Not safe for concurrent use.
type Requests struct {
	gp    *GlobalPool
	queue []pageRequest
}

func NewRequests(gp *GlobalPool) *Requests {
	return &Requests{gp: gp}
}

func (r *Requests) Pool() *GlobalPool { return r.gp }

// Request reports true when the page is resident. Otherwise cb is queued
// and false is returned.
func (r *Requests) Request(tag PageTag, cb func()) bool {
	if r.gp.Resident(tag) {
		return true
	}
	r.queue = append(r.queue, pageRequest{tag: tag, cb: cb})
	slog.Debug("bufferpool: page request queued", "file", tag.File, "page", tag.PageID)
	return false
}

func (r *Requests) Pending() int { return len(r.queue) }

// ProcessIO reads every queued page and runs its callback while the page
// is pinned. Requests made by callbacks wait for the next call. On a read
// error the remaining requests stay queued.
func (r *Requests) ProcessIO() (int, error) {
	batch := r.queue
	r.queue = nil
	for i, req := range batch {
		if _, err := r.gp.GetPage(req.tag); err != nil {
			r.queue = append(batch[i:], r.queue...)
			return i, err
		}
		req.cb()
		if err := r.gp.Unpin(req.tag, false); err != nil {
			r.queue = append(batch[i+1:], r.queue...)
			return i + 1, err
		}
	}
	return len(batch), nil
}
