package wire

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// Field sizes in bytes.
const (
	PublicKeySize   = 64
	SignatureSize   = 64
	GIDSize         = 4
	OCSPNonceSize   = 32
	OCSPRequestSize = 1 + OCSPNonceSize
	BasenameSize    = 32
	HMACSize        = 32
	PRSize          = 32
	TaskInfoSize    = 36

	S1Size = PublicKeySize + GIDSize + OCSPRequestSize
	// S2FixedSize covers Gb, Basename, OCSPReq, S2Icv and SigGaGb.
	S2FixedSize = PublicKeySize + BasenameSize + OCSPRequestSize + HMACSize + SignatureSize
	// S3FixedSize covers S3Icv, TaskInfo and Ga.
	S3FixedSize = HMACSize + TaskInfoSize + PublicKeySize
	// MinS3Size is the smallest S3 that can carry both mandatory records and PrCSE.
	MinS3Size = S3FixedSize + 2*vlrHeaderSize + PRSize
)

// PublicKey is an uncompressed P-256 point without the 0x04 prefix, X followed by Y.
type PublicKey [PublicKeySize]byte

// GroupID identifies a group of the group-signature scheme.
type GroupID uint32

func (g GroupID) String() string {
	return fmt.Sprintf("%08x", uint32(g))
}

// OCSPRequestType tells the verifier which OCSP responses the co-processor wants.
type OCSPRequestType uint8

// OCSP request types.
const (
	OCSPNone OCSPRequestType = iota
	OCSPCached
	OCSPNonCached
)

func (t OCSPRequestType) String() string {
	switch t {
	case OCSPNone:
		return "none"
	case OCSPCached:
		return "cached"
	case OCSPNonCached:
		return "non-cached"
	default:
		return fmt.Sprintf("OCSPRequestType(%d)", uint8(t))
	}
}

// OCSPRequest is the OCSP descriptor carried in S1 and echoed in S2.
type OCSPRequest struct {
	Type  OCSPRequestType
	Nonce [OCSPNonceSize]byte
}

func (o *OCSPRequest) read(r *Reader) error {
	t, err := r.Uint8()
	if err != nil {
		return err
	}
	if t > uint8(OCSPNonCached) {
		return fmt.Errorf("%w: unknown OCSP request type %d", status.ErrMalformedRecord, t)
	}
	o.Type = OCSPRequestType(t)
	return r.Read(o.Nonce[:])
}

func (o *OCSPRequest) write(w *Writer) {
	w.Uint8(uint8(o.Type))
	w.Write(o.Nonce[:])
}

// S1 is the co-processor's first message.
type S1 struct {
	Ga      PublicKey
	GID     GroupID
	OCSPReq OCSPRequest
}

// ParseS1 decodes an S1 message. The input must be exactly S1Size bytes.
func ParseS1(b []byte) (*S1, error) {
	if len(b) != S1Size {
		return nil, fmt.Errorf("%w: S1 is %d bytes, want %d", status.ErrParameter, len(b), S1Size)
	}
	r := NewReader(b)
	var m S1
	if err := r.Read(m.Ga[:]); err != nil {
		return nil, err
	}
	gid, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	m.GID = GroupID(gid)
	if err := m.OCSPReq.read(r); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalBinary encodes the message.
func (m *S1) MarshalBinary() ([]byte, error) {
	w := NewWriter(S1Size)
	w.Write(m.Ga[:])
	w.Uint32(uint32(m.GID))
	m.OCSPReq.write(w)
	return w.Bytes(), nil
}

// S2 is the verifier's reply to S1.
type S2 struct {
	Gb       PublicKey
	Basename [BasenameSize]byte
	OCSPReq  OCSPRequest
	Icv      [HMACSize]byte
	SigGaGb  [SignatureSize]byte

	// VerifierChain is the concatenated DER verifier certificate chain, root first.
	VerifierChain []byte
	// SigRL is the raw signature revocation list, nil when absent.
	SigRL []byte
	// OCSPResponses are DER OCSP responses, one record each.
	OCSPResponses [][]byte
	PR            [PRSize]byte
}

// Data encodes the variable part of S2: the records followed by Pr.
func (m *S2) Data() ([]byte, error) {
	size := VLRSize(len(m.VerifierChain)) + PRSize
	if m.SigRL != nil {
		size += VLRSize(len(m.SigRL))
	}
	for _, o := range m.OCSPResponses {
		size += VLRSize(len(o))
	}
	buf := make([]byte, 0, size)
	buf, err := AppendVLR(buf, RecordVerifierCertChain, m.VerifierChain)
	if err != nil {
		return nil, err
	}
	if m.SigRL != nil {
		if buf, err = AppendVLR(buf, RecordSignatureRevList, m.SigRL); err != nil {
			return nil, err
		}
	}
	for _, o := range m.OCSPResponses {
		if buf, err = AppendVLR(buf, RecordOCSPResponse, o); err != nil {
			return nil, err
		}
	}
	return append(buf, m.PR[:]...), nil
}

// MACData returns the bytes covered by S2Icv: Gb, Basename, OCSPReq and the variable data.
func (m *S2) MACData(data []byte) []byte {
	w := NewWriter(PublicKeySize + BasenameSize + OCSPRequestSize + len(data))
	w.Write(m.Gb[:])
	w.Write(m.Basename[:])
	m.OCSPReq.write(w)
	w.Write(data)
	return w.Bytes()
}

// MarshalBinary encodes the message including Icv and SigGaGb as currently set.
func (m *S2) MarshalBinary() ([]byte, error) {
	data, err := m.Data()
	if err != nil {
		return nil, err
	}
	w := NewWriter(S2FixedSize + len(data))
	w.Write(m.Gb[:])
	w.Write(m.Basename[:])
	m.OCSPReq.write(w)
	w.Write(m.Icv[:])
	w.Write(m.SigGaGb[:])
	w.Write(data)
	return w.Bytes(), nil
}

// ParseS2 decodes an S2 message. Byte slices in the result alias b.
func ParseS2(b []byte) (*S2, error) {
	if len(b) < S2FixedSize+vlrHeaderSize+PRSize {
		return nil, fmt.Errorf("%w: S2 of %d bytes is too short", status.ErrMalformedRecord, len(b))
	}
	r := NewReader(b)
	var m S2
	if err := r.Read(m.Gb[:]); err != nil {
		return nil, err
	}
	if err := r.Read(m.Basename[:]); err != nil {
		return nil, err
	}
	if err := m.OCSPReq.read(r); err != nil {
		return nil, err
	}
	if err := r.Read(m.Icv[:]); err != nil {
		return nil, err
	}
	if err := r.Read(m.SigGaGb[:]); err != nil {
		return nil, err
	}
	var haveChain bool
	for r.Len() > PRSize {
		v, err := r.VLR()
		if err != nil {
			return nil, err
		}
		switch v.Type {
		case RecordVerifierCertChain:
			if haveChain {
				return nil, fmt.Errorf("%w: duplicate %s record", status.ErrMalformedRecord, v.Type)
			}
			m.VerifierChain, haveChain = v.Payload, true
		case RecordSignatureRevList:
			if !haveChain || m.SigRL != nil || len(m.OCSPResponses) > 0 {
				return nil, fmt.Errorf("%w: unexpected %s record", status.ErrMalformedRecord, v.Type)
			}
			m.SigRL = v.Payload
		case RecordOCSPResponse:
			if !haveChain {
				return nil, fmt.Errorf("%w: unexpected %s record", status.ErrMalformedRecord, v.Type)
			}
			m.OCSPResponses = append(m.OCSPResponses, v.Payload)
		default:
			return nil, fmt.Errorf("%w: %s record not allowed in S2", status.ErrMalformedRecord, v.Type)
		}
	}
	if !haveChain {
		return nil, fmt.Errorf("%w: S2 carries no %s record", status.ErrMalformedRecord, RecordVerifierCertChain)
	}
	if err := r.Read(m.PR[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// S3 is the co-processor's final message.
type S3 struct {
	Icv       [HMACSize]byte
	TaskInfo  TaskInfo
	Ga        PublicKey
	GroupCert []byte
	GroupSig  []byte
	PrCSE     [PRSize]byte

	macData []byte
}

// MACData returns the bytes covered by S3Icv, everything after the Icv field.
// It is only set on parsed messages.
func (m *S3) MACData() []byte {
	return m.macData
}

// ParseS3 decodes an S3 message. Byte slices in the result alias b.
func ParseS3(b []byte) (*S3, error) {
	if len(b) < MinS3Size {
		return nil, fmt.Errorf("%w: S3 is %d bytes, minimum %d", status.ErrParameter, len(b), MinS3Size)
	}
	r := NewReader(b)
	m := S3{macData: b[HMACSize:]}
	if err := r.Read(m.Icv[:]); err != nil {
		return nil, err
	}
	if err := m.TaskInfo.read(r); err != nil {
		return nil, err
	}
	if err := r.Read(m.Ga[:]); err != nil {
		return nil, err
	}
	for r.Len() > PRSize {
		v, err := r.VLR()
		if err != nil {
			return nil, err
		}
		switch {
		case v.Type == RecordGroupCertificate && m.GroupCert == nil && m.GroupSig == nil:
			m.GroupCert = v.Payload
		case v.Type == RecordGroupSignature && m.GroupCert != nil && m.GroupSig == nil:
			m.GroupSig = v.Payload
		default:
			return nil, fmt.Errorf("%w: unexpected %s record in S3", status.ErrMalformedRecord, v.Type)
		}
	}
	if m.GroupCert == nil || m.GroupSig == nil {
		return nil, fmt.Errorf("%w: S3 is missing a mandatory record", status.ErrMalformedRecord)
	}
	if err := r.Read(m.PrCSE[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalBinary encodes the message with Icv as currently set.
func (m *S3) MarshalBinary() ([]byte, error) {
	signed, err := m.SignedData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HMACSize+len(signed))
	out = append(out, m.Icv[:]...)
	return append(out, signed...), nil
}

// SignedData encodes everything after the Icv field, the input to S3Icv.
func (m *S3) SignedData() ([]byte, error) {
	w := NewWriter(TaskInfoSize + PublicKeySize + VLRSize(len(m.GroupCert)) + VLRSize(len(m.GroupSig)) + PRSize)
	m.TaskInfo.write(w)
	w.Write(m.Ga[:])
	buf, err := AppendVLR(w.Bytes(), RecordGroupCertificate, m.GroupCert)
	if err != nil {
		return nil, err
	}
	if buf, err = AppendVLR(buf, RecordGroupSignature, m.GroupSig); err != nil {
		return nil, err
	}
	return append(buf, m.PrCSE[:]...), nil
}

// Expected task identity of the co-processor applet.
const (
	TaskInfoType      = 0
	TaskInfoTaskID    = 8
	TaskInfoSubTaskID = 0
)

// TaskInfo describes the co-processor applet that produced S3.
type TaskInfo struct {
	Type      uint32
	Length    uint32
	TaskID    uint32
	SubTaskID uint32
	SVN       uint16
	Reserved  [18]byte
}

// NewTaskInfo returns the descriptor of the expected applet at the given security version.
func NewTaskInfo(svn uint16) TaskInfo {
	return TaskInfo{
		Type:      TaskInfoType,
		Length:    TaskInfoSize,
		TaskID:    TaskInfoTaskID,
		SubTaskID: TaskInfoSubTaskID,
		SVN:       svn,
	}
}

// IsExpected reports whether t identifies the expected applet. The SVN is not part of the
// identity; reserved bytes must be zero.
func (t TaskInfo) IsExpected() bool {
	return t.Type == TaskInfoType &&
		t.Length == TaskInfoSize &&
		t.TaskID == TaskInfoTaskID &&
		t.SubTaskID == TaskInfoSubTaskID &&
		t.Reserved == [18]byte{}
}

func (t *TaskInfo) read(r *Reader) error {
	var err error
	if t.Type, err = r.Uint32(); err != nil {
		return err
	}
	if t.Length, err = r.Uint32(); err != nil {
		return err
	}
	if t.TaskID, err = r.Uint32(); err != nil {
		return err
	}
	if t.SubTaskID, err = r.Uint32(); err != nil {
		return err
	}
	if t.SVN, err = r.Uint16(); err != nil {
		return err
	}
	return r.Read(t.Reserved[:])
}

func (t *TaskInfo) write(w *Writer) {
	w.Uint32(t.Type)
	w.Uint32(t.Length)
	w.Uint32(t.TaskID)
	w.Uint32(t.SubTaskID)
	w.Uint16(t.SVN)
	w.Write(t.Reserved[:])
}
