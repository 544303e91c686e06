package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Item is one key of a listing.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	SeqNo uint64 `json:"seqno"`
}

// Response represents the standard API response format.
type Response struct {
	Status   Status `json:"status,omitempty"`
	Value    string `json:"value,omitempty"`
	SeqNo    uint64 `json:"seqno,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
	Items    []Item `json:"items,omitempty"`
	Error    string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value []byte) Response {
	return Response{Status: StatusSuccess, Value: string(value)}
}

func NewSeqNoResponse(seqno uint64) Response {
	return Response{Status: StatusSuccess, SeqNo: seqno}
}

func NewSnapshotResponse(id string, seqno uint64) Response {
	return Response{Status: StatusSuccess, Snapshot: id, SeqNo: seqno}
}

func NewItemsResponse(items []Item) Response {
	return Response{Status: StatusSuccess, Items: items}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
