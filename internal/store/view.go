package store

import (
	"fmt"

	"github.com/ehrlich-b/go-kvcore/internal/aio"
	"github.com/ehrlich-b/go-kvcore/internal/event"
)

// View is one core's handle on the store. Page reads and writes are
// scheduled on the core's disk I/O subsystem, and their callbacks run on
// that core.
type View struct {
	st  *Store
	io  *aio.Subsystem
	res event.Resource
}

// View returns a handle that performs page I/O through io.
func (s *Store) View(io *aio.Subsystem) *View {
	return &View{st: s, io: io, res: event.NewResource(s.Fd())}
}

// Store returns the shared store.
func (v *View) Store() *Store { return v.st }

// Get returns the value of key from the cache.
func (v *View) Get(key string) ([]byte, bool) { return v.st.Cached(key) }

// Read loads the value of key stored at page, which the caller pinned with
// Store.Pin. The pin is dropped when the read ends. done receives a
// private copy of the value.
func (v *View) Read(key string, page uint32, done func(value []byte, err error)) error {
	buf := getPage(v.st.pageSize)
	err := v.io.ScheduleRead(v.res, v.st.PageOffset(page), len(buf), buf, func(ev *event.Event) {
		value, err := decodePage(ev.Buf, int(ev.Result))
		putPage(buf)
		if err != nil {
			err = fmt.Errorf("key %q page %d: %w", key, page, err)
		} else {
			v.st.Remember(key, page, value)
		}
		v.st.Unpin(page)
		done(value, err)
	})
	if err != nil {
		putPage(buf)
		v.st.Unpin(page)
	}
	return err
}

// Write stores value under key. The value goes to a fresh page and the
// index is switched to it once the page is on disk. A reader that pinned
// the old page keeps it until its read completes, so it sees either the
// old or the new value.
func (v *View) Write(key string, value []byte, done func(err error)) error {
	buf := getPage(v.st.pageSize)
	if err := encodePage(buf, value); err != nil {
		putPage(buf)
		return err
	}
	page := v.st.Allocate()
	stored := append([]byte(nil), value...)

	err := v.io.ScheduleWrites([]aio.WriteDesc{{
		Res:    v.res,
		Offset: v.st.PageOffset(page),
		Buf:    buf,
		Done: func(ev *event.Event) {
			putPage(buf)
			var err error
			if int(ev.Result) != len(buf) {
				err = fmt.Errorf("key %q page %d: short write of %d bytes", key, page, ev.Result)
			} else {
				err = v.st.Commit(key, page, stored)
			}
			if err != nil {
				v.st.Release(page)
			}
			done(err)
		},
	}})
	if err != nil {
		putPage(buf)
		v.st.Release(page)
	}
	return err
}
