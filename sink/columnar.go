/*************************************************************************
 * Copyright 2018 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sink

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/gravwell/agentlog/record"
)

// framedBatchSink wraps any io.Writer with a zstd-compressed,
// length-prefixed frame per batch: a 4-byte little-endian length followed
// by that many compressed bytes, the same header-then-payload shape the
// gzip processor checks for on decompress. It stands in for a vendor's
// columnar-store or search-index bulk write call, whichever concrete
// client a deployment wires in.
type framedBatchSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *zstd.Encoder
}

// NewColumnarStore returns a BatchSink that writes zstd-compressed,
// length-framed JSON batches to w. Each WriteBatch appends a new frame;
// records are not deduplicated by id, so a retried batch is written again.
func NewColumnarStore(w io.Writer) (BatchSink, error) {
	return newFramedBatchSink(w)
}

// NewSearchIndex returns a BatchSink with the same wire shape as
// NewColumnarStore but an independent failure policy at the coordinator
// level (§4.6: "same failure policy as columnar but independent").
func NewSearchIndex(w io.Writer) (BatchSink, error) {
	return newFramedBatchSink(w)
}

func newFramedBatchSink(w io.Writer) (*framedBatchSink, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &framedBatchSink{w: w, enc: enc}, nil
}

func (f *framedBatchSink) WriteBatch(batch []record.Record) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	comp := f.enc.EncodeAll(raw, nil)

	f.mu.Lock()
	defer f.mu.Unlock()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(comp)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = f.w.Write(comp)
	return err
}
