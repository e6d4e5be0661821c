package tokenledger

const (
	operationGrant   = "grant"
	operationReserve = "reserve"
	operationCommit  = "commit"
	operationRelease = "release"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
