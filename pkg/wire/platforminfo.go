package wire

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// Platform info TLV constants.
const (
	PlatformInfoTLVType   = 21
	PlatformInfoVersion   = 2
	PlatformInfoBodySize  = 1 + 2 + 2 + 18 + 2 + 4 + 4 + GIDSize
	platformInfoTLVHeader = 4
)

// PlatformInfo is the signed advisory record returned by the provisioning backend.
// Body fields are only populated when BodyDecoded is set, which requires the known version.
type PlatformInfo struct {
	Version     uint8
	BodyDecoded bool

	GroupFlags      uint8
	TCBFlags        uint16
	PSEFlags        uint16
	LatestTCBPSVN   [18]byte
	LatestPSEISVSVN uint16
	LatestPSDASVN   uint32
	XEID            uint32
	GID             GroupID

	// Signed is the TLV header and body, the input to the signature.
	Signed    []byte
	Signature [SignatureSize]byte
}

// ParsePlatformInfo decodes a platform info TLV followed by its signature.
func ParsePlatformInfo(b []byte) (*PlatformInfo, error) {
	r := NewReader(b)
	typ, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if typ != PlatformInfoTLVType {
		return nil, fmt.Errorf("%w: platform info TLV type %d", status.ErrMalformedRecord, typ)
	}
	var pi PlatformInfo
	if pi.Version, err = r.Uint8(); err != nil {
		return nil, err
	}
	size, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if r.Len() != int(size)+SignatureSize {
		return nil, fmt.Errorf("%w: platform info body declares %d bytes, have %d", status.ErrMalformedRecord, size, r.Len()-SignatureSize)
	}
	body, _ := r.Bytes(int(size))
	pi.Signed = b[:r.Offset()]
	if err := r.Read(pi.Signature[:]); err != nil {
		return nil, err
	}
	if pi.Version == PlatformInfoVersion && len(body) == PlatformInfoBodySize {
		if err := pi.readBody(NewReader(body)); err != nil {
			return nil, err
		}
		pi.BodyDecoded = true
	}
	return &pi, nil
}

func (pi *PlatformInfo) readBody(r *Reader) error {
	var err error
	if pi.GroupFlags, err = r.Uint8(); err != nil {
		return err
	}
	if pi.TCBFlags, err = r.Uint16(); err != nil {
		return err
	}
	if pi.PSEFlags, err = r.Uint16(); err != nil {
		return err
	}
	if err = r.Read(pi.LatestTCBPSVN[:]); err != nil {
		return err
	}
	if pi.LatestPSEISVSVN, err = r.Uint16(); err != nil {
		return err
	}
	if pi.LatestPSDASVN, err = r.Uint32(); err != nil {
		return err
	}
	if pi.XEID, err = r.Uint32(); err != nil {
		return err
	}
	gid, err := r.Uint32()
	if err != nil {
		return err
	}
	pi.GID = GroupID(gid)
	return r.Done()
}

// PlatformInfoBody encodes the signed portion of a version 2 platform info record.
func PlatformInfoBody(pi *PlatformInfo) []byte {
	w := NewWriter(platformInfoTLVHeader + PlatformInfoBodySize + SignatureSize)
	w.Uint8(PlatformInfoTLVType)
	w.Uint8(PlatformInfoVersion)
	w.Uint16(PlatformInfoBodySize)
	w.Uint8(pi.GroupFlags)
	w.Uint16(pi.TCBFlags)
	w.Uint16(pi.PSEFlags)
	w.Write(pi.LatestTCBPSVN[:])
	w.Uint16(pi.LatestPSEISVSVN)
	w.Uint32(pi.LatestPSDASVN)
	w.Uint32(pi.XEID)
	w.Uint32(uint32(pi.GID))
	return w.Bytes()
}
