package doc

import "fmt"

// OriginKind enumerates every transaction source the application knows about.
// Downstream consumers switch on the kind, so adding a case here forces the
// filtering logic to be revisited.
type OriginKind int

const (
	OriginLocal OriginKind = iota
	OriginMigration
	OriginImport
	OriginInit
	OriginHistory
	OriginRemote
)

// Origin labels a transaction with its source. Peer is set only for
// OriginRemote and identifies the sending peer.
type Origin struct {
	Kind OriginKind
	Peer string
}

func Local() Origin     { return Origin{Kind: OriginLocal} }
func Migration() Origin { return Origin{Kind: OriginMigration} }
func Import() Origin    { return Origin{Kind: OriginImport} }
func Init() Origin      { return Origin{Kind: OriginInit} }
func History() Origin   { return Origin{Kind: OriginHistory} }

// Remote labels a transaction as received from the named peer.
func Remote(peer string) Origin {
	return Origin{Kind: OriginRemote, Peer: peer}
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginLocal:
		return "local"
	case OriginMigration:
		return "migration"
	case OriginImport:
		return "import"
	case OriginInit:
		return "init"
	case OriginHistory:
		return "history"
	case OriginRemote:
		return fmt.Sprintf("remote(%s)", o.Peer)
	default:
		return fmt.Sprintf("origin(%d)", int(o.Kind))
	}
}
