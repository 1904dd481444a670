package define

import "time"

// XactFilter selects participants; zero fields match anything.
type XactFilter struct {
	Xid        uint64 `json:"xid" form:"xid"`
	DbId       uint32 `json:"dbid" form:"dbid"`
	Endpoint   uint32 `json:"endpoint" form:"endpoint"`
	Credential uint32 `json:"credential" form:"credential"`
}

// XactRow is one participant in admin listings.
type XactRow struct {
	DbId         uint32 `json:"dbid"`
	Xid          uint64 `json:"xid"`
	Endpoint     uint32 `json:"endpoint"`
	Credential   uint32 `json:"credential"`
	Status       Status `json:"status"`
	Identifier   string `json:"identifier"`
	InDoubt      bool   `json:"in_doubt"`
	OnDisk       bool   `json:"on_disk"`
	Locked       bool   `json:"locked"`
	InProcessing bool   `json:"in_processing"`
}

type XactsResponse struct {
	Xacts []XactRow `json:"xacts"`
	Msg   string    `json:"msg,omitempty"`
}

// XactsActionResponse reports the rows a resolve or remove call touched;
// finished rows carry StatusResolved.
type XactsActionResponse struct {
	Xacts    []XactRow `json:"xacts"`
	Finished int       `json:"finished"`
	Msg      string    `json:"msg,omitempty"`
}

type ResolverRow struct {
	Pid                int64     `json:"pid"`
	DbId               uint32    `json:"dbid"`
	StartTime          time.Time `json:"start_time"`
	LastResolutionTime time.Time `json:"last_resolution_time"`
}

type ResolversResponse struct {
	Resolvers []ResolverRow `json:"resolvers"`
	Msg       string        `json:"msg,omitempty"`
}

type StopResolverRequest struct {
	DbId uint32 `json:"dbid"`
}

type AdminResponse struct {
	Msg string `json:"msg,omitempty"`
}
