package provision

// State is the provisioning progress of one attempt.
type State uint8

const (
	Init State = iota
	QuoteRequested
	ChainExchanged
	Persisted
	Done
	// EnclaveLost means the secure context went away mid attempt and will be reloaded.
	EnclaveLost
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case QuoteRequested:
		return "quote requested"
	case ChainExchanged:
		return "chain exchanged"
	case Persisted:
		return "persisted"
	case Done:
		return "done"
	case EnclaveLost:
		return "enclave lost"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
