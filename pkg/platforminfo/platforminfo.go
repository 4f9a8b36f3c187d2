// Package platforminfo evaluates the signed platform info advisory returned by the
// provisioning backend. An invalid advisory carries no information; every predicate on it
// reports false.
package platforminfo

import (
	"crypto/ecdsa"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Group flags.
const (
	groupRevokedBit     = 1 << 0
	performanceRekeyBit = 1 << 1
	groupOutOfDateBit   = 1 << 2
)

// TCB evaluation flags.
const (
	cpuSVNOutOfDateBit = 1 << 0
	qeSVNOutOfDateBit  = 1 << 1
	pceSVNOutOfDateBit = 1 << 2
)

// PSE evaluation flags.
const pseISVSVNOutOfDateBit = 1 << 0

// Decision is the provisioning action an advisory calls for.
type Decision uint8

const (
	// NoAction means the platform is current, or nothing is known.
	NoAction Decision = iota
	// Provision means the group is out of date and no component update is pending.
	Provision
	// PerformanceRekey means the group is current and a faster group is available.
	PerformanceRekey
)

func (d Decision) String() string {
	switch d {
	case NoAction:
		return "no action"
	case Provision:
		return "provision"
	case PerformanceRekey:
		return "performance rekey"
	default:
		return "unknown"
	}
}

// Info is a verified (or rejected) advisory.
type Info struct {
	// Valid is set only when the advisory parsed and its signature verified.
	Valid bool
	blob  *wire.PlatformInfo
}

// Verify checks blob against key. It never fails; problems leave Valid unset.
func Verify(blob []byte, key *ecdsa.PublicKey) Info {
	if key == nil || len(blob) == 0 {
		return Info{}
	}
	pi, err := wire.ParsePlatformInfo(blob)
	if err != nil {
		return Info{}
	}
	if !primitives.Verify(key, pi.Signed, pi.Signature[:]) {
		return Info{}
	}
	return Info{Valid: true, blob: pi}
}

// Blob returns the decoded advisory, nil when invalid.
func (i Info) Blob() *wire.PlatformInfo {
	if !i.Valid {
		return nil
	}
	return i.blob
}

func (i Info) decoded() bool {
	return i.Valid && i.blob.BodyDecoded
}

func (i Info) groupFlag(bit uint8) bool {
	return i.decoded() && i.blob.GroupFlags&bit != 0
}

func (i Info) tcbFlag(bit uint16) bool {
	return i.decoded() && i.blob.TCBFlags&bit != 0
}

// GroupRevoked reports whether the platform's group has been revoked.
func (i Info) GroupRevoked() bool { return i.groupFlag(groupRevokedBit) }

// PerformanceRekeyAvailable reports whether a performance rekey is offered.
func (i Info) PerformanceRekeyAvailable() bool { return i.groupFlag(performanceRekeyBit) }

// GIDOutOfDate reports whether the platform's group is out of date.
func (i Info) GIDOutOfDate() bool { return i.groupFlag(groupOutOfDateBit) }

// CPUSVNOutOfDate reports whether a CPU microcode update is pending.
func (i Info) CPUSVNOutOfDate() bool { return i.tcbFlag(cpuSVNOutOfDateBit) }

// PCESVNOutOfDate reports whether a provisioning certification enclave update is pending.
func (i Info) PCESVNOutOfDate() bool { return i.tcbFlag(pceSVNOutOfDateBit) }

// QESVNOutOfDate reports whether a quoting enclave update is pending. A valid advisory whose
// body cannot be decoded reports true.
func (i Info) QESVNOutOfDate() bool {
	if !i.Valid {
		return false
	}
	if !i.blob.BodyDecoded {
		return true
	}
	return i.blob.TCBFlags&qeSVNOutOfDateBit != 0
}

// PSESVNOutOfDate reports whether a platform service enclave update is pending.
func (i Info) PSESVNOutOfDate() bool {
	return i.decoded() && i.blob.PSEFlags&pseISVSVNOutOfDateBit != 0
}

// Decision maps the flags to a provisioning action.
func (i Info) Decision() Decision {
	if !i.Valid {
		return NoAction
	}
	gid := i.GIDOutOfDate()
	switch {
	case gid && !i.QESVNOutOfDate() && !i.CPUSVNOutOfDate():
		return Provision
	case !gid && i.PerformanceRekeyAvailable():
		return PerformanceRekey
	default:
		return NoAction
	}
}

// Summary is a JSON view of an advisory.
type Summary struct {
	Valid                     bool   `json:"valid"`
	GID                       string `json:"gid,omitempty"`
	GroupRevoked              bool   `json:"groupRevoked"`
	GIDOutOfDate              bool   `json:"gidOutOfDate"`
	PerformanceRekeyAvailable bool   `json:"performanceRekeyAvailable"`
	CPUSVNOutOfDate           bool   `json:"cpuSvnOutOfDate"`
	QESVNOutOfDate            bool   `json:"qeSvnOutOfDate"`
	PCESVNOutOfDate           bool   `json:"pceSvnOutOfDate"`
	PSESVNOutOfDate           bool   `json:"pseSvnOutOfDate"`
	Decision                  string `json:"decision"`
}

// Summary returns the advisory's predicates.
func (i Info) Summary() Summary {
	s := Summary{
		Valid:                     i.Valid,
		GroupRevoked:              i.GroupRevoked(),
		GIDOutOfDate:              i.GIDOutOfDate(),
		PerformanceRekeyAvailable: i.PerformanceRekeyAvailable(),
		CPUSVNOutOfDate:           i.CPUSVNOutOfDate(),
		QESVNOutOfDate:            i.QESVNOutOfDate(),
		PCESVNOutOfDate:           i.PCESVNOutOfDate(),
		PSESVNOutOfDate:           i.PSESVNOutOfDate(),
		Decision:                  i.Decision().String(),
	}
	if i.decoded() {
		s.GID = i.blob.GID.String()
	}
	return s
}
