package audit

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// HashEntry computes the chain hash of e. Fields are written in a fixed
// order with length prefixes so no two distinct entries share an encoding.
func HashEntry(e Entry) string {
	h := blake3.New()
	writeField(h, e.PrevHash)
	writeField(h, e.TenantID)
	writeField(h, strconv.FormatUint(e.Sequence, 10))
	writeField(h, e.ID)
	writeField(h, e.ActorUserID)
	writeField(h, e.Action)
	writeField(h, e.Target)
	writeField(h, strconv.Itoa(int(e.Severity)))
	writeField(h, e.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, e.RequestID)
	writeField(h, string(e.Delta))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, v string) {
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(v)))])
	h.Write([]byte(v))
}

// Break describes the first inconsistency found while walking a chain.
type Break struct {
	Sequence uint64 `json:"sequence"`
	EntryID  string `json:"entry_id"`
	Reason   string `json:"reason"`
}

// chainWalker checks entries in sequence order.
type chainWalker struct {
	prev  Head
	count uint64
	brk   *Break
}

func (w *chainWalker) step(e Entry) bool {
	if w.brk != nil {
		return false
	}
	switch {
	case e.Sequence != w.prev.Sequence+1:
		w.brk = &Break{Sequence: e.Sequence, EntryID: e.ID, Reason: "sequence gap"}
	case e.PrevHash != w.prev.Hash:
		w.brk = &Break{Sequence: e.Sequence, EntryID: e.ID, Reason: "prev_hash mismatch"}
	case HashEntry(e) != e.Hash:
		w.brk = &Break{Sequence: e.Sequence, EntryID: e.ID, Reason: "hash mismatch"}
	default:
		w.prev = Head{Sequence: e.Sequence, Hash: e.Hash}
		w.count++
		return true
	}
	return false
}
