package gateway

// command is the parsed result of one client request line (plus its
// value block for set). Its kind field holds one of the cmd* constants
// below and selects which of the other fields apply.
type commandKind int

const (
	cmdGet commandKind = iota
	cmdSet
	cmdDelete
	cmdUnsupported // replace/append/prepend/cas
)

type command struct {
	kind commandKind

	keys []string // get: one or more keys

	key     string // set/delete
	value   []byte // set
	flags   uint64 // set
	exptime uint64 // set/delete
	noreply bool   // set/delete
}
