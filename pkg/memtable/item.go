package memtable

import (
	"snapkv/pkg/types"
)

// records is an immutable sorted capture handed to the merge iterator.
type records []types.Record

func (r records) Len() int {
	return len(r)
}

func (r records) Header(i int) types.Header {
	return r[i].Header
}

func (r records) Load(i int) (types.Record, error) {
	return r[i], nil
}
