package broadcast

import (
	"bytes"
	"time"

	"github.com/me/cyclecast/pkg/model"
)

// journal is the FIFO of change records. Callers hold the Store lock.
type journal struct {
	records []model.ChangeRecord
}

func (j *journal) append(ts time.Time, snapshot []byte) {
	j.records = append(j.records, model.ChangeRecord{
		Timestamp: ts,
		Snapshot:  bytes.Clone(snapshot),
		Pending:   true,
	})
}

// drain returns copies of the pending records, oldest first, and marks the
// stored ones consumed.
func (j *journal) drain() []model.ChangeRecord {
	var out []model.ChangeRecord
	for i := range j.records {
		if !j.records[i].Pending {
			continue
		}
		out = append(out, cloneRecord(j.records[i]))
		j.records[i].Pending = false
	}
	return out
}

func (j *journal) all() []model.ChangeRecord {
	out := make([]model.ChangeRecord, len(j.records))
	for i, rec := range j.records {
		out[i] = cloneRecord(rec)
	}
	return out
}

func (j *journal) pending() int {
	n := 0
	for _, rec := range j.records {
		if rec.Pending {
			n++
		}
	}
	return n
}

func cloneRecord(rec model.ChangeRecord) model.ChangeRecord {
	rec.Snapshot = bytes.Clone(rec.Snapshot)
	return rec
}
