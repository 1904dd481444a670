package model

import (
	"time"

	"github.com/ikenchina/fdwxact/define"
)

const (
	KindInsert = "insert"
	KindCommit = "commit"
	KindAbort  = "abort"
	KindRemove = "remove"
)

// LogRecord is one entry of the participant log. Id is the log offset.
type LogRecord struct {
	Id           int64 `gorm:"primaryKey;autoIncrement"`
	Kind         string
	LocalXid     uint64 `gorm:"index"`
	DbId         uint32
	EndpointId   uint32
	CredentialId uint32
	Identifier   string
	Status       define.Status
	CreatedTime  time.Time
}

func (*LogRecord) TableName() string {
	return "fdwxact.participant_log"
}

type participantKey struct {
	xid        uint64
	endpoint   uint32
	credential uint32
}

func (r *LogRecord) key() participantKey {
	return participantKey{xid: r.LocalXid, endpoint: r.EndpointId, credential: r.CredentialId}
}

func (r *LogRecord) clone() *LogRecord {
	c := *r
	return &c
}

func NewInsertRecord(xid uint64, dbid, endpoint, credential uint32, identifier string) *LogRecord {
	return &LogRecord{
		Kind:         KindInsert,
		LocalXid:     xid,
		DbId:         dbid,
		EndpointId:   endpoint,
		CredentialId: credential,
		Identifier:   identifier,
		Status:       define.StatusPreparing,
	}
}

func NewDecisionRecord(xid uint64, dbid uint32, commit bool) *LogRecord {
	rec := &LogRecord{
		Kind:     KindAbort,
		LocalXid: xid,
		DbId:     dbid,
		Status:   define.StatusAborting,
	}
	if commit {
		rec.Kind = KindCommit
		rec.Status = define.StatusCommitting
	}
	return rec
}

func NewRemoveRecord(xid uint64, dbid, endpoint, credential uint32) *LogRecord {
	return &LogRecord{
		Kind:         KindRemove,
		LocalXid:     xid,
		DbId:         dbid,
		EndpointId:   endpoint,
		CredentialId: credential,
	}
}

// unresolved replays records in offset order and returns the inserts without a
// later remove. Status carries the latest decision of the xid, or Prepared when
// none was logged.
func unresolved(records []*LogRecord) []*LogRecord {
	pending := make(map[participantKey]*LogRecord)
	order := make([]participantKey, 0)
	decisions := make(map[uint64]define.Status)

	for _, r := range records {
		switch r.Kind {
		case KindInsert:
			k := r.key()
			if _, ok := pending[k]; !ok {
				order = append(order, k)
			}
			pending[k] = r.clone()
		case KindRemove:
			delete(pending, r.key())
		case KindCommit:
			decisions[r.LocalXid] = define.StatusCommitting
		case KindAbort:
			decisions[r.LocalXid] = define.StatusAborting
		}
	}

	out := make([]*LogRecord, 0, len(pending))
	for _, k := range order {
		r, ok := pending[k]
		if !ok {
			continue
		}
		delete(pending, k)
		if st, ok := decisions[r.LocalXid]; ok {
			r.Status = st
		} else {
			r.Status = define.StatusPrepared
		}
		out = append(out, r)
	}
	return out
}
