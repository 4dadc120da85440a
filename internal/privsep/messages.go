package privsep

import (
	"encoding/binary"
	"fmt"

	"github.com/rybkr/gitsend/internal/giterr"
)

// SendRequest opens a send-pack session. The message carries the already
// connected protocol descriptor.
type SendRequest struct {
	Verbosity int32
	NRefs     uint32
}

// Marshal encodes the request payload.
func (r *SendRequest) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Verbosity))
	binary.LittleEndian.PutUint32(buf[4:8], r.NRefs)
	return buf
}

// UnmarshalSendRequest decodes a SendRequest payload.
func UnmarshalSendRequest(data []byte) (*SendRequest, error) {
	if len(data) < 8 {
		return nil, giterr.ErrPrivsepLen
	}
	return &SendRequest{
		Verbosity: int32(binary.LittleEndian.Uint32(data[0:4])),
		NRefs:     binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// SendRef names one reference to update or delete on the remote.
type SendRef struct {
	ID     [20]byte
	Delete bool
	Name   string
}

// Marshal encodes the ref payload.
func (r *SendRef) Marshal() []byte {
	buf := make([]byte, 20+1+4+len(r.Name))
	copy(buf[0:20], r.ID[:])
	if r.Delete {
		buf[20] = 1
	}
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(r.Name)))
	copy(buf[25:], r.Name)
	return buf
}

// UnmarshalSendRef decodes a SendRef payload.
func UnmarshalSendRef(data []byte) (*SendRef, error) {
	if len(data) < 25 {
		return nil, giterr.ErrPrivsepLen
	}
	nameLen := binary.LittleEndian.Uint32(data[21:25])
	if len(data) != 25+int(nameLen) {
		return nil, giterr.ErrPrivsepLen
	}
	r := &SendRef{Delete: data[20] != 0, Name: string(data[25:])}
	copy(r.ID[:], data[0:20])
	return r, nil
}

// RemoteRef reports one reference advertised by the remote.
type RemoteRef struct {
	ID   [20]byte
	Name string
}

// Marshal encodes the remote ref payload.
func (r *RemoteRef) Marshal() []byte {
	buf := make([]byte, 20+4+len(r.Name))
	copy(buf[0:20], r.ID[:])
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(r.Name)))
	copy(buf[24:], r.Name)
	return buf
}

// UnmarshalRemoteRef decodes a RemoteRef payload.
func UnmarshalRemoteRef(data []byte) (*RemoteRef, error) {
	if len(data) < 24 {
		return nil, giterr.ErrPrivsepLen
	}
	nameLen := binary.LittleEndian.Uint32(data[20:24])
	if len(data) != 24+int(nameLen) {
		return nil, giterr.ErrPrivsepLen
	}
	r := &RemoteRef{Name: string(data[24:])}
	copy(r.ID[:], data[0:20])
	return r, nil
}

// UploadProgress reports the running byte total of a pack upload.
type UploadProgress struct {
	Bytes int64
}

// Marshal encodes the progress payload.
func (p *UploadProgress) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(p.Bytes))
	return buf
}

// UnmarshalUploadProgress decodes an UploadProgress payload.
func UnmarshalUploadProgress(data []byte) (*UploadProgress, error) {
	if len(data) != 8 {
		return nil, giterr.ErrPrivsepLen
	}
	return &UploadProgress{Bytes: int64(binary.LittleEndian.Uint64(data))}, nil
}

// RefStatus reports the server's verdict on one pushed reference.
type RefStatus struct {
	Success bool
	Name    string
}

// Marshal encodes the status payload.
func (s *RefStatus) Marshal() []byte {
	buf := make([]byte, 1+4+len(s.Name))
	if s.Success {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(s.Name)))
	copy(buf[5:], s.Name)
	return buf
}

// UnmarshalRefStatus decodes a RefStatus payload.
func UnmarshalRefStatus(data []byte) (*RefStatus, error) {
	if len(data) < 5 {
		return nil, giterr.ErrPrivsepLen
	}
	nameLen := binary.LittleEndian.Uint32(data[1:5])
	if len(data) != 5+int(nameLen) {
		return nil, giterr.ErrPrivsepLen
	}
	return &RefStatus{Success: data[0] != 0, Name: string(data[5:])}, nil
}

// ObjectRequest asks a read worker to decode the object with the given id
// from the attached descriptor.
type ObjectRequest struct {
	ID [20]byte
}

// Marshal encodes the request payload.
func (r *ObjectRequest) Marshal() []byte {
	buf := make([]byte, 20)
	copy(buf, r.ID[:])
	return buf
}

// UnmarshalObjectRequest decodes an ObjectRequest payload.
func UnmarshalObjectRequest(data []byte) (*ObjectRequest, error) {
	if len(data) != 20 {
		return nil, giterr.ErrPrivsepLen
	}
	r := &ObjectRequest{}
	copy(r.ID[:], data)
	return r, nil
}

// RawObjectReply describes a decoded object. When the payload was small
// enough it rides inline in Data; otherwise it was written to the
// parent-supplied output descriptor and Data is empty.
type RawObjectReply struct {
	Kind   uint32
	Size   int64
	HdrLen int32
	Data   []byte
}

// Marshal encodes the reply payload.
func (r *RawObjectReply) Marshal() []byte {
	buf := make([]byte, 4+8+4+4+len(r.Data))
	binary.LittleEndian.PutUint32(buf[0:4], r.Kind)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.Size))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.HdrLen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(r.Data)))
	copy(buf[20:], r.Data)
	return buf
}

// UnmarshalRawObjectReply decodes a RawObjectReply payload.
func UnmarshalRawObjectReply(data []byte) (*RawObjectReply, error) {
	if len(data) < 20 {
		return nil, giterr.ErrPrivsepLen
	}
	dataLen := binary.LittleEndian.Uint32(data[16:20])
	if len(data) != 20+int(dataLen) {
		return nil, giterr.ErrPrivsepLen
	}
	return &RawObjectReply{
		Kind:   binary.LittleEndian.Uint32(data[0:4]),
		Size:   int64(binary.LittleEndian.Uint64(data[4:12])),
		HdrLen: int32(binary.LittleEndian.Uint32(data[12:16])),
		Data:   append([]byte(nil), data[20:]...),
	}, nil
}

// CommitReply carries a decoded commit back to the parent.
type CommitReply struct {
	Tree      [20]byte
	Parents   [][20]byte
	Author    string
	Committer string
	Message   string
}

func appendString(dst []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	dst = append(dst, l[:]...)
	return append(dst, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, giterr.ErrPrivsepLen
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if len(data) < 4+int(n) {
		return "", nil, giterr.ErrPrivsepLen
	}
	return string(data[4 : 4+n]), data[4+n:], nil
}

// Marshal encodes the commit payload.
func (r *CommitReply) Marshal() []byte {
	buf := make([]byte, 0, 64+len(r.Author)+len(r.Committer)+len(r.Message))
	buf = append(buf, r.Tree[:]...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(r.Parents)))
	buf = append(buf, n[:]...)
	for _, p := range r.Parents {
		buf = append(buf, p[:]...)
	}
	buf = appendString(buf, r.Author)
	buf = appendString(buf, r.Committer)
	buf = appendString(buf, r.Message)
	return buf
}

// UnmarshalCommitReply decodes a CommitReply payload.
func UnmarshalCommitReply(data []byte) (*CommitReply, error) {
	if len(data) < 24 {
		return nil, giterr.ErrPrivsepLen
	}
	r := &CommitReply{}
	copy(r.Tree[:], data[0:20])
	nparents := binary.LittleEndian.Uint32(data[20:24])
	data = data[24:]
	if len(data) < int(nparents)*20 {
		return nil, giterr.ErrPrivsepLen
	}
	for i := uint32(0); i < nparents; i++ {
		var p [20]byte
		copy(p[:], data[:20])
		r.Parents = append(r.Parents, p)
		data = data[20:]
	}
	var err error
	if r.Author, data, err = readString(data); err != nil {
		return nil, err
	}
	if r.Committer, data, err = readString(data); err != nil {
		return nil, err
	}
	if r.Message, data, err = readString(data); err != nil {
		return nil, err
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", giterr.ErrPrivsepLen)
	}
	return r, nil
}

// GitconfigInt carries core.repositoryformatversion.
type GitconfigInt struct {
	Value int32
}

// Marshal encodes the value.
func (g *GitconfigInt) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(g.Value))
	return buf
}

// UnmarshalGitconfigInt decodes a GitconfigInt payload.
func UnmarshalGitconfigInt(data []byte) (*GitconfigInt, error) {
	if len(data) != 4 {
		return nil, giterr.ErrPrivsepLen
	}
	return &GitconfigInt{Value: int32(binary.LittleEndian.Uint32(data))}, nil
}

// StringList carries a list of strings (extension names).
type StringList struct {
	Values []string
}

// Marshal encodes the list.
func (l *StringList) Marshal() []byte {
	var buf []byte
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(l.Values)))
	buf = append(buf, n[:]...)
	for _, v := range l.Values {
		buf = appendString(buf, v)
	}
	return buf
}

// UnmarshalStringList decodes a StringList payload.
func UnmarshalStringList(data []byte) (*StringList, error) {
	if len(data) < 4 {
		return nil, giterr.ErrPrivsepLen
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	l := &StringList{}
	for i := uint32(0); i < count; i++ {
		var s string
		var err error
		if s, data, err = readString(data); err != nil {
			return nil, err
		}
		l.Values = append(l.Values, s)
	}
	return l, nil
}
