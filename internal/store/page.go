package store

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// pageHeader is the little-endian value length at the start of each page.
const pageHeader = 4

// pagePools hands out page-sized scratch buffers for in-flight disk
// requests, one sync.Pool per page size. Uses the *[]byte pattern to avoid
// sync.Pool interface allocation overhead.
var pagePools sync.Map // page size -> *sync.Pool

func poolFor(pageSize int) *sync.Pool {
	if p, ok := pagePools.Load(pageSize); ok {
		return p.(*sync.Pool)
	}
	p, _ := pagePools.LoadOrStore(pageSize, &sync.Pool{
		New: func() any { b := make([]byte, pageSize); return &b },
	})
	return p.(*sync.Pool)
}

// getPage returns a zeroed page-sized buffer.
// Caller must call putPage when the disk request has completed.
func getPage(pageSize int) []byte {
	b := *poolFor(pageSize).Get().(*[]byte)
	clear(b)
	return b
}

// putPage returns a buffer to the pool of its size.
func putPage(buf []byte) {
	buf = buf[:cap(buf)]
	poolFor(len(buf)).Put(&buf)
}

// encodePage lays value out in page: length header followed by the bytes.
func encodePage(page, value []byte) error {
	if len(value) > len(page)-pageHeader {
		return fmt.Errorf("%w: %d bytes, page holds %d", ErrValueTooLarge, len(value), len(page)-pageHeader)
	}
	binary.LittleEndian.PutUint32(page, uint32(len(value)))
	copy(page[pageHeader:], value)
	return nil
}

// decodePage returns a copy of the value stored in the first n bytes of
// page.
func decodePage(page []byte, n int) ([]byte, error) {
	if n < pageHeader {
		return nil, fmt.Errorf("%w: short read of %d bytes", ErrCorruptPage, n)
	}
	length := int(binary.LittleEndian.Uint32(page))
	if length > n-pageHeader {
		return nil, fmt.Errorf("%w: length %d exceeds %d readable bytes", ErrCorruptPage, length, n-pageHeader)
	}
	value := make([]byte, length)
	copy(value, page[pageHeader:pageHeader+length])
	return value, nil
}
