package verifyedge

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Asset snapshots use core deterministic CBOR so that an entry re-encoded
// from the same response is byte-identical on disk.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeEntry(ent CacheEntry) ([]byte, error) {
	return cborEnc.Marshal(ent)
}

func decodeEntry(b []byte) (CacheEntry, error) {
	var ent CacheEntry
	err := cborDec.Unmarshal(b, &ent)
	return ent, err
}

func encodeQueueEntry(e QueueEntry) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func decodeQueueEntry(b []byte) (QueueEntry, error) {
	var e QueueEntry
	err := msgpack.Unmarshal(b, &e)
	return e, err
}
