package wire

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// RecordType identifies the payload carried by a variable-length record.
type RecordType uint8

// Record types used in S2 and S3.
const (
	RecordGroupCertificate  RecordType = 30
	RecordVerifierCertChain RecordType = 31
	RecordSignatureRevList  RecordType = 32
	RecordOCSPResponse      RecordType = 33
	RecordGroupSignature    RecordType = 34
	vlrHeaderSize                      = 4
	vlrAlign                           = 4
	maxVLRLength                       = 0xFFFF &^ (vlrAlign - 1)
	MaxVLRPayload                      = maxVLRLength - vlrHeaderSize
)

func (t RecordType) String() string {
	switch t {
	case RecordGroupCertificate:
		return "X509GroupCertificate"
	case RecordVerifierCertChain:
		return "VerifierCertificateChain"
	case RecordSignatureRevList:
		return "SignatureRevocationList"
	case RecordOCSPResponse:
		return "OCSPResponse"
	case RecordGroupSignature:
		return "GroupSignature"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// VLR is a decoded variable-length record. Payload excludes header and padding.
type VLR struct {
	Type    RecordType
	Payload []byte
}

// VLRSize returns the encoded size of a record carrying n payload bytes.
func VLRSize(n int) int {
	return vlrHeaderSize + n + padding(n)
}

func padding(n int) int {
	return (vlrAlign - n%vlrAlign) % vlrAlign
}

// AppendVLR appends a dword-aligned record of type t carrying payload to dst.
func AppendVLR(dst []byte, t RecordType, payload []byte) ([]byte, error) {
	if len(payload) > MaxVLRPayload {
		return dst, fmt.Errorf("%w: %s payload of %d bytes exceeds record limit", status.ErrParameter, t, len(payload))
	}
	pad := padding(len(payload))
	w := Writer{buf: dst}
	w.Uint8(uint8(t))
	w.Uint8(uint8(pad))
	w.Uint16(uint16(vlrHeaderSize + len(payload) + pad))
	w.Write(payload)
	w.Write(make([]byte, pad))
	return w.Bytes(), nil
}

// VLR reads one record. The declared length must fit the buffer, be dword aligned,
// and leave room for the declared padding.
func (r *Reader) VLR() (VLR, error) {
	start := r.Offset()
	typ, err := r.Uint8()
	if err != nil {
		return VLR{}, err
	}
	pad, err := r.Uint8()
	if err != nil {
		return VLR{}, err
	}
	length, err := r.Uint16()
	if err != nil {
		return VLR{}, err
	}
	if pad >= vlrAlign {
		return VLR{}, fmt.Errorf("%w: record at offset %d declares %d padding bytes", status.ErrMalformedRecord, start, pad)
	}
	if length < vlrHeaderSize || length%vlrAlign != 0 {
		return VLR{}, fmt.Errorf("%w: record at offset %d has invalid length %d", status.ErrMalformedRecord, start, length)
	}
	body := int(length) - vlrHeaderSize
	if body < int(pad) {
		return VLR{}, fmt.Errorf("%w: record at offset %d padding exceeds body", status.ErrMalformedRecord, start)
	}
	if body > r.Len() {
		return VLR{}, fmt.Errorf("%w: record at offset %d length %d exceeds buffer", status.ErrMalformedRecord, start, length)
	}
	data, _ := r.Bytes(body)
	return VLR{Type: RecordType(typ), Payload: data[:body-int(pad)]}, nil
}

// ReadVLR decodes a single record that spans all of b.
func ReadVLR(b []byte) (VLR, error) {
	r := NewReader(b)
	v, err := r.VLR()
	if err != nil {
		return VLR{}, err
	}
	if err := r.Done(); err != nil {
		return VLR{}, err
	}
	return v, nil
}
